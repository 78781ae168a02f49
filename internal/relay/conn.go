package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/chatcore/internal/errors"
	"github.com/alexjbarnes/chatcore/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 45 * time.Second
	heartbeatCheckAt = 5 * time.Second

	defaultConnectTimeout = 10 * time.Second
	defaultHealthInterval = 15 * time.Second
	defaultMaxAttempts    = 5
	reconnectBase         = 1 * time.Second
	reconnectMax          = 30 * time.Second

	// maxBackoffShift caps the exponent so base<<shift cannot overflow.
	maxBackoffShift = 16

	// readLimit bounds a single inbound frame. Sync responses carry a
	// batch of messages and are the largest frames the relay sends.
	readLimit = 8 * 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying
	// messages from the WebSocket reader goroutine to the dispatch loop.
	inboundChanSize = 64
)

// State is the lifecycle state of the relay session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind identifies a ConnectionEvent.
type EventKind int

const (
	// EventConnected fires after every successful handshake. Resumed is
	// set when an earlier connection existed in the same session.
	EventConnected EventKind = iota + 1
	// EventDisconnected fires when the transport drops or Disconnect
	// is called.
	EventDisconnected
	// EventStatus is a status broadcast from the health check.
	EventStatus
	// EventReconnectFailed fires once the backoff loop gives up.
	EventReconnectFailed
	// EventAuthFailed fires when the relay rejects the credential.
	EventAuthFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventStatus:
		return "status"
	case EventReconnectFailed:
		return "reconnect_failed"
	case EventAuthFailed:
		return "auth_failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// ConnectionEvent is delivered to subscribers on every lifecycle change.
type ConnectionEvent struct {
	Kind    EventKind
	State   State
	Resumed bool
	Err     error
}

// FrameHandler receives every inbound frame other than keepalive
// replies. Frames are delivered one at a time, in arrival order, from
// the session's dispatch goroutine.
type FrameHandler func(ctx context.Context, f Frame)

// wsConn abstracts the WebSocket connection so Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

type waitFunc func(ctx context.Context, d time.Duration) error

type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type authPayload struct {
	Token string `json:"token"`
}

// Config holds the Manager settings. Zero durations fall back to the
// defaults.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	HealthInterval time.Duration
	MaxAttempts    int
}

// Manager owns the single WebSocket session to the relay.
//
// Architecture: a reader goroutine feeds an inbound channel with raw
// WebSocket messages. One run goroutine per session dispatches inbound
// frames in order, sends keepalive pings, and drives the reconnect
// loop when the transport drops. A separate health goroutine reports
// status on a fixed interval. Writes from any goroutine are serialized
// by writeMu.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc
	wait   waitFunc

	mu               sync.Mutex
	state            State
	conn             wsConn
	credential       string
	handler          FrameHandler
	wasEverConnected bool
	reconnecting     bool
	authFailed       bool
	sessionCancel    context.CancelFunc
	redial           chan struct{}
	wg               sync.WaitGroup

	writeMu sync.Mutex

	lastMsgMu   sync.Mutex
	lastMessage time.Time

	subsMu  sync.Mutex
	subs    map[int]func(ConnectionEvent)
	nextSub int
}

// NewManager creates a Manager for the relay at cfg.URL.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	return &Manager{
		cfg:    cfg,
		logger: logger,
		dial:   dialWebSocket,
		wait:   sleepCtx,
		subs:   make(map[int]func(ConnectionEvent)),
	}
}

// SetHandler installs the inbound frame handler. Must be called before
// Connect.
func (m *Manager) SetHandler(h FrameHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// SetCredential replaces the credential used by subsequent dials. The
// live connection, if any, is left alone. When the session is waiting
// after exhausted or rejected attempts, one redial is requested right
// away; the resume guard is kept, so that connection is a resume.
func (m *Manager) SetCredential(credential string) {
	m.mu.Lock()
	m.credential = credential
	m.authFailed = false
	idle := m.sessionCancel != nil && m.state == StateDisconnected && !m.reconnecting
	redial := m.redial
	m.mu.Unlock()

	if !idle || redial == nil {
		return
	}

	select {
	case redial <- struct{}{}:
		m.logger.Debug("credential replaced, relay redial requested")
	default:
	}
}

// Subscribe registers fn for connection events and returns a function
// that removes it. fn runs synchronously on the goroutine that caused
// the event and must not call Disconnect.
func (m *Manager) Subscribe(fn func(ConnectionEvent)) func() {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// Status returns the current session state.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Connected reports whether frames can be sent right now.
func (m *Manager) Connected() bool {
	return m.Status() == StateConnected
}

// Connect dials the relay, authenticates with credential, and starts
// the session goroutines. The session outlives ctx: ctx bounds only the
// initial dial and handshake. Call Disconnect to end the session.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if m.sessionCancel != nil {
		m.mu.Unlock()
		return errors.New("relay session already active")
	}

	m.credential = credential
	m.authFailed = false
	m.state = StateConnecting
	m.mu.Unlock()

	m.emit(ConnectionEvent{Kind: EventStatus, State: StateConnecting})

	conn, err := m.dialOnce(ctx)
	if err != nil {
		m.setState(StateDisconnected)

		if errors.Is(err, apperrors.ErrAuthRejected) {
			m.mu.Lock()
			m.authFailed = true
			m.mu.Unlock()
			m.emit(ConnectionEvent{Kind: EventAuthFailed, State: StateDisconnected, Err: err})
		}

		return err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.sessionCancel = cancel
	m.redial = make(chan struct{}, 1)
	redial := m.redial
	m.mu.Unlock()

	// Subscribers see the connection before any inbound frame is
	// dispatched.
	m.connected(sessionCtx, conn)

	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		m.run(sessionCtx, conn, redial)
	}()

	go func() {
		defer m.wg.Done()
		m.healthLoop(sessionCtx, redial)
	}()

	return nil
}

// Disconnect ends the session. The reader, the reconnect loop, the
// health ticker and any pending backoff wait are all stopped before it
// returns.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.sessionCancel
	conn := m.conn
	wasActive := cancel != nil
	m.sessionCancel = nil
	m.conn = nil
	m.state = StateDisconnected
	m.wasEverConnected = false

	if cancel != nil {
		cancel()
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}

	m.wg.Wait()

	m.mu.Lock()
	m.reconnecting = false
	m.mu.Unlock()

	if wasActive {
		m.logger.Info("relay session closed")
		m.emit(ConnectionEvent{Kind: EventDisconnected, State: StateDisconnected})
	}
}

// Send writes one frame. Returns ErrNotConnected when the session is
// not in the connected state.
func (m *Manager) Send(ctx context.Context, frameType string, payload interface{}) error {
	m.mu.Lock()
	conn, st := m.conn, m.state
	m.mu.Unlock()

	if st != StateConnected || conn == nil {
		return apperrors.ErrNotConnected
	}

	if err := m.writeFrame(ctx, conn, frameType, payload); err != nil {
		return fmt.Errorf("sending %s: %w", frameType, err)
	}

	return nil
}

// run dispatches frames for the current connection and, when it drops,
// drives the reconnect loop. Exits when ctx is cancelled.
func (m *Manager) run(ctx context.Context, conn wsConn, redial <-chan struct{}) {
	for {
		err := m.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		m.transportLost(conn, err)

		conn = m.reconnect(ctx)
		for conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-redial:
				conn = m.redialOnce(ctx)
			}
		}
	}
}

// readLoop is the event loop for one connection. It selects on inbound
// messages and the heartbeat ticker. Returns on read error, heartbeat
// timeout or context cancellation.
func (m *Manager) readLoop(ctx context.Context, conn wsConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := m.startReader(connCtx, conn)

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			m.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			m.dispatch(ctx, msg.data)

		case <-ticker.C:
			elapsed := m.sinceLastMessage()

			if elapsed > disconnectAfter {
				m.logger.Warn("relay connection timed out, closing")
				conn.Close(websocket.StatusGoingAway, "timeout")

				return errors.New("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := m.writeFrame(ctx, conn, FramePing, nil); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// startReader launches a goroutine that reads from conn and feeds the
// returned channel. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on the channel.
func (m *Manager) startReader(connCtx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// dispatch routes one inbound text frame to the handler. The type is
// peeked without decoding the payload.
func (m *Manager) dispatch(ctx context.Context, data []byte) {
	typ := gjson.GetBytes(data, "type").String()

	switch typ {
	case "":
		m.logger.Debug("unparseable text frame", slog.Int("bytes", len(data)))
		return
	case FramePong:
		return
	}

	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()

	if h == nil {
		return
	}

	f := Frame{Type: typ}
	if payload := gjson.GetBytes(data, "data"); payload.Exists() {
		f.Data = json.RawMessage(payload.Raw)
	}

	h(ctx, f)
}

// transportLost records a dropped connection and notifies subscribers.
func (m *Manager) transportLost(conn wsConn, err error) {
	conn.Close(websocket.StatusGoingAway, "reconnecting")

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.state = StateReconnecting
	}
	m.mu.Unlock()

	m.logger.Warn("relay connection lost", slog.String("error", err.Error()))
	m.emit(ConnectionEvent{Kind: EventDisconnected, State: StateReconnecting, Err: err})
}

// reconnect runs the bounded backoff loop. Returns the new connection,
// or nil when the attempts are exhausted, the credential is rejected,
// or ctx is cancelled. Overlapping calls are no-ops.
func (m *Manager) reconnect(ctx context.Context) wsConn {
	if !m.beginReconnect() {
		return nil
	}
	defer m.endReconnect()

	m.setState(StateReconnecting)

	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		delay := backoffDelay(attempt)

		m.logger.Info("reconnecting to relay",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)

		if err := m.wait(ctx, delay); err != nil {
			return nil
		}

		conn, err := m.dialOnce(ctx)
		if err == nil {
			if !m.connected(ctx, conn) {
				return nil
			}

			return conn
		}

		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, apperrors.ErrAuthRejected) {
			m.mu.Lock()
			m.authFailed = true
			m.mu.Unlock()

			m.setState(StateDisconnected)
			m.logger.Error("relay rejected credential during reconnect", slog.String("error", err.Error()))
			m.emit(ConnectionEvent{Kind: EventAuthFailed, State: StateDisconnected, Err: err})

			return nil
		}

		m.logger.Warn("reconnect attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	m.setState(StateDisconnected)
	m.logger.Error("giving up on relay reconnect", slog.Int("attempts", m.cfg.MaxAttempts))
	m.emit(ConnectionEvent{Kind: EventReconnectFailed, State: StateDisconnected, Err: apperrors.ErrReconnectExhausted})

	return nil
}

// redialOnce makes a single attempt after the backoff loop gave up.
func (m *Manager) redialOnce(ctx context.Context) wsConn {
	if !m.beginReconnect() {
		return nil
	}
	defer m.endReconnect()

	m.setState(StateReconnecting)

	conn, err := m.dialOnce(ctx)
	if err != nil {
		m.setState(StateDisconnected)

		if errors.Is(err, apperrors.ErrAuthRejected) {
			m.mu.Lock()
			m.authFailed = true
			m.mu.Unlock()
			m.emit(ConnectionEvent{Kind: EventAuthFailed, State: StateDisconnected, Err: err})

			return nil
		}

		m.logger.Warn("relay redial failed", slog.String("error", err.Error()))

		return nil
	}

	if !m.connected(ctx, conn) {
		return nil
	}

	return conn
}

func (m *Manager) beginReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reconnecting {
		return false
	}

	m.reconnecting = true

	return true
}

func (m *Manager) endReconnect() {
	m.mu.Lock()
	m.reconnecting = false
	m.mu.Unlock()
}

// healthLoop reports status every HealthInterval. It never starts a
// backoff loop. Once the session is exhausted it asks run for a single
// redial.
func (m *Manager) healthLoop(ctx context.Context, redial chan<- struct{}) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.healthCheck(redial)
		}
	}
}

func (m *Manager) healthCheck(redial chan<- struct{}) {
	m.mu.Lock()
	st, reconnecting, authFailed := m.state, m.reconnecting, m.authFailed
	m.mu.Unlock()

	if st == StateConnected || authFailed {
		return
	}

	m.emit(ConnectionEvent{Kind: EventStatus, State: StateReconnecting})

	if st != StateDisconnected || reconnecting {
		return
	}

	select {
	case redial <- struct{}{}:
		m.logger.Debug("health check requested relay redial")
	default:
	}
}

// connected installs conn as the live connection and emits
// EventConnected. Returns false, closing conn, when the session was
// ended while the dial was in flight.
func (m *Manager) connected(ctx context.Context, conn wsConn) bool {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bye")

		return false
	}

	m.conn = conn
	m.state = StateConnected
	resumed := m.wasEverConnected
	m.wasEverConnected = true
	m.mu.Unlock()

	m.touchLastMessage()
	m.logger.Info("relay connected", slog.Bool("resumed", resumed))
	m.emit(ConnectionEvent{Kind: EventConnected, State: StateConnected, Resumed: resumed})

	return true
}

// dialOnce dials and authenticates within the connect timeout.
func (m *Manager) dialOnce(ctx context.Context) (wsConn, error) {
	m.mu.Lock()
	credential := m.credential
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	m.logger.Debug("dialing relay", slog.String("url", m.cfg.URL))

	header := http.Header{
		"User-Agent":    []string{"chatcore/1"},
		"Authorization": []string{"Bearer " + credential},
	}

	conn, err := m.dial(dctx, m.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}

	if err := m.handshake(dctx, conn, credential); err != nil {
		return nil, err
	}

	return conn, nil
}

// handshake sends the auth frame and waits for the relay's verdict.
// Split from dialOnce so the auth logic can be tested with a mock
// wsConn.
func (m *Manager) handshake(ctx context.Context, conn wsConn, credential string) error {
	conn.SetReadLimit(readLimit)

	if err := m.writeFrame(ctx, conn, FrameAuth, authPayload{Token: credential}); err != nil {
		conn.Close(websocket.StatusInternalError, "auth failed")
		return fmt.Errorf("sending auth: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "auth read failed")
			return fmt.Errorf("reading auth response: %w", err)
		}

		switch typ := gjson.GetBytes(data, "type").String(); typ {
		case FrameAuthOK:
			m.logger.Info("relay authenticated",
				slog.String("user_id", gjson.GetBytes(data, "data.userId").String()),
			)

			return nil

		case FrameAuthError:
			var res models.AuthResult
			if raw := gjson.GetBytes(data, "data"); raw.Exists() {
				_ = json.Unmarshal([]byte(raw.Raw), &res)
			}

			conn.Close(websocket.StatusNormalClosure, "auth failed")

			if res.Message == "" {
				return apperrors.ErrAuthRejected
			}

			return fmt.Errorf("%w: %s", apperrors.ErrAuthRejected, res.Message)

		case FramePong:
			continue

		default:
			m.logger.Debug("frame before auth result", slog.String("type", typ))
		}
	}
}

// writeFrame encodes and writes one text frame under the write lock.
func (m *Manager) writeFrame(ctx context.Context, conn wsConn, frameType string, payload interface{}) error {
	data, err := encodeFrame(frameType, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	return conn.Write(ctx, websocket.MessageText, data)
}

func (m *Manager) setState(st State) {
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
}

func (m *Manager) emit(ev ConnectionEvent) {
	m.subsMu.Lock()
	fns := make([]func(ConnectionEvent), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Manager) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}

func (m *Manager) sinceLastMessage() time.Duration {
	m.lastMsgMu.Lock()
	defer m.lastMsgMu.Unlock()

	return time.Since(m.lastMessage)
}

// backoffDelay returns min(base * 2^attempt, max) for a zero-based
// attempt index.
func backoffDelay(attempt int) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}

	return min(reconnectBase<<attempt, reconnectMax)
}

func dialWebSocket(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: upgrade returned %d", apperrors.ErrAuthRejected, resp.StatusCode)
		}

		return nil, err
	}

	return conn, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
