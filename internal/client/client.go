// Package client wires the relay connection, the keyring, the message
// pipeline and the call machines into one chat client. Inbound frames
// are routed here; local actions enter through the exported methods.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chatcore/internal/call"
	"github.com/alexjbarnes/chatcore/internal/chat"
	apperrors "github.com/alexjbarnes/chatcore/internal/errors"
	"github.com/alexjbarnes/chatcore/internal/keyring"
	"github.com/alexjbarnes/chatcore/internal/logging"
	"github.com/alexjbarnes/chatcore/internal/models"
	"github.com/alexjbarnes/chatcore/internal/relay"
)

const (
	// connectionWorkTimeout bounds the key announcement and sync request
	// issued on each new connection.
	connectionWorkTimeout = 10 * time.Second

	// defaultRetryAfter applies when a rate-limit frame carries no delay.
	defaultRetryAfter = 5 * time.Second
)

// ErrNoConversation is returned by actions that need an open
// conversation when none is active.
var ErrNoConversation = errors.New("no active conversation")

// Relay is the realtime connection. *relay.Manager satisfies it.
type Relay interface {
	Send(ctx context.Context, frameType string, payload interface{}) error
	Connected() bool
	Status() relay.State
	Subscribe(fn func(relay.ConnectionEvent)) func()
	SetHandler(h relay.FrameHandler)
}

// API is the HTTP side of the relay. *relay.APIClient satisfies it.
type API interface {
	SendMessage(ctx context.Context, msg models.SendMessage) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// Config holds the client settings.
type Config struct {
	SelfID       string
	AckTimeout   time.Duration
	Plaintext    chat.PlaintextPolicy
	HistoryLimit int
}

// Deps are the collaborators a Client is built from. API, Peers and
// Media may be nil; without Peers and Media calls fail to start.
type Deps struct {
	Relay  Relay
	API    API
	Keys   *keyring.Keyring
	Peers  call.PeerFactory
	Media  call.MediaSource
	Logger *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	relay  Relay
	api    API
	keys   *keyring.Keyring
	logger *slog.Logger
	now    func() time.Time

	timeline  *chat.Timeline
	directory *chat.ActiveConversation
	opener    *chat.Opener
	pipeline  *chat.Pipeline
	syncer    *chat.Syncer

	voice *call.Machine
	video *call.Machine

	sendMu  sync.Mutex
	sending bool

	rlMu       sync.Mutex
	rlUntil    time.Time
	rlTimer    *time.Timer
	rlGen      int
	presenceMu sync.Mutex
	presence   map[string]models.Presence

	subsMu  sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	unsubscribeRelay func()
}

// New builds a Client and registers it with the relay and the keyring.
func New(cfg Config, deps Deps) *Client {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Client{
		cfg:       cfg,
		relay:     deps.Relay,
		api:       deps.API,
		keys:      deps.Keys,
		logger:    logger,
		now:       time.Now,
		timeline:  chat.NewTimeline(),
		directory: &chat.ActiveConversation{},
		presence:  make(map[string]models.Presence),
		subs:      make(map[int]func(Event)),
	}

	var fallback chat.Fallback
	if deps.API != nil {
		fallback = deps.API
	}

	c.opener = chat.NewOpener(cfg.SelfID, deps.Keys, logger)
	c.pipeline = chat.NewPipeline(chat.PipelineConfig{
		SelfID:     cfg.SelfID,
		AckTimeout: cfg.AckTimeout,
		Plaintext:  cfg.Plaintext,
	}, c.timeline, deps.Relay, fallback, deps.Keys, logger)
	c.syncer = chat.NewSyncer(c.timeline, deps.Relay, c.directory, c.opener, c.pipeline, logger)

	c.voice = call.NewMachine(call.Voice, cfg.SelfID, deps.Relay, deps.Peers, deps.Media, c, logger)
	c.video = call.NewMachine(call.Video, cfg.SelfID, deps.Relay, deps.Peers, deps.Media, c, logger)

	deps.Keys.SetPublisher(c)
	deps.Relay.SetHandler(c.HandleFrame)
	c.unsubscribeRelay = deps.Relay.Subscribe(c.onConnection)

	return c
}

// Close detaches the client from the relay, ends any live call and
// stops timers. The relay itself is not disconnected.
func (c *Client) Close() {
	if c.unsubscribeRelay != nil {
		c.unsubscribeRelay()
	}

	for _, m := range []*call.Machine{c.voice, c.video} {
		if m.State() != call.StateIdle {
			_ = m.End(context.Background())
		}
	}

	c.keys.Close()
	c.pipeline.Reset()

	c.rlMu.Lock()
	if c.rlTimer != nil {
		c.rlTimer.Stop()
		c.rlTimer = nil
	}
	c.rlMu.Unlock()
}

// --- Accessors ---

// Status returns the relay connection state.
func (c *Client) Status() relay.State { return c.relay.Status() }

// Connected implements keyring.Publisher.
func (c *Client) Connected() bool { return c.relay.Connected() }

// Conversation returns the active conversation.
func (c *Client) Conversation() chat.Conversation { return c.directory.Active() }

// Messages returns up to n of the newest timeline entries, oldest first.
// n <= 0 returns the whole timeline.
func (c *Client) Messages(n int) []models.Message {
	if n <= 0 {
		return c.timeline.Snapshot()
	}

	return c.timeline.Recent(n)
}

// PendingCount returns the number of sends awaiting their echo.
func (c *Client) PendingCount() int { return c.pipeline.PendingCount() }

// Call returns the machine for a call channel, or nil for an unknown
// kind.
func (c *Client) Call(kind call.Kind) *call.Machine {
	switch kind {
	case call.Voice:
		return c.voice
	case call.Video:
		return c.video
	default:
		return nil
	}
}

// Presence returns the last presence report for userID.
func (c *Client) Presence(userID string) (models.Presence, bool) {
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()

	p, ok := c.presence[userID]

	return p, ok
}

// RateLimitedUntil returns when the current rate limit lifts, or the
// zero time when none is in force.
func (c *Client) RateLimitedUntil() time.Time {
	c.rlMu.Lock()
	defer c.rlMu.Unlock()

	return c.rlUntil
}

// --- Local actions ---

// SwitchConversation makes conversationID with peerID the active
// conversation, clears the timeline and loads recent history over HTTP.
// A history failure leaves the switch in place with an empty timeline.
func (c *Client) SwitchConversation(ctx context.Context, conversationID, peerID string) error {
	prev := c.directory.Set(chat.Conversation{ID: conversationID, PeerID: peerID})

	c.pipeline.Reset()
	c.timeline.Reset(conversationID)

	c.logger.Info("conversation switched",
		slog.String("from", prev.ID),
		slog.String("to", conversationID),
	)

	if c.api == nil || conversationID == "" {
		return nil
	}

	msgs, err := c.api.ListMessages(ctx, conversationID, c.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("loading history for %s: %w", conversationID, err)
	}

	opened := make([]models.Message, 0, len(msgs))

	for _, m := range msgs {
		if m.ConversationID != conversationID {
			continue
		}

		opened = append(opened, c.opener.Open(m))
	}

	// The user may have switched again while the request was in flight.
	if c.timeline.ConversationID() != conversationID {
		return nil
	}

	added := c.timeline.Merge(opened)
	c.logger.Debug("history loaded", slog.String("conversation", conversationID), slog.Int("count", added))
	c.emit(Event{Kind: EventHistoryLoaded, ConversationID: conversationID, Count: added})

	return nil
}

// Send sends one message to the active conversation. Only one send may
// be in flight at a time; a concurrent call fails with ErrSendInFlight.
func (c *Client) Send(ctx context.Context, req chat.SendRequest) (models.Message, error) {
	conv := c.directory.Active()
	if conv.ID == "" {
		return models.Message{}, ErrNoConversation
	}

	c.sendMu.Lock()
	if c.sending {
		c.sendMu.Unlock()
		return models.Message{}, apperrors.ErrSendInFlight
	}

	c.sending = true
	c.sendMu.Unlock()

	defer func() {
		c.sendMu.Lock()
		c.sending = false
		c.sendMu.Unlock()
	}()

	msg, err := c.pipeline.Send(ctx, conv.ID, conv.PeerID, req)
	if err != nil {
		return models.Message{}, err
	}

	c.emit(Event{Kind: EventMessage, ConversationID: conv.ID, Message: msg})

	return msg, nil
}

// Edit replaces the content of one of this user's messages.
func (c *Client) Edit(ctx context.Context, messageID, content string) error {
	return c.pipeline.Edit(ctx, messageID, content)
}

// Delete deletes a message.
func (c *Client) Delete(ctx context.Context, messageID string) error {
	return c.pipeline.Delete(ctx, messageID)
}

// SendTyping reports the local typing state in the active conversation.
func (c *Client) SendTyping(ctx context.Context, typing bool) error {
	conv := c.directory.Active()
	if conv.ID == "" {
		return ErrNoConversation
	}

	return c.relay.Send(ctx, relay.FrameTyping, models.Typing{ConversationID: conv.ID, Typing: typing})
}

// StartCall calls the peer of the active conversation.
func (c *Client) StartCall(ctx context.Context, kind call.Kind) error {
	m := c.Call(kind)
	if m == nil {
		return fmt.Errorf("unknown call type %q", kind)
	}

	conv := c.directory.Active()
	if conv.PeerID == "" {
		return ErrNoConversation
	}

	return m.Start(ctx, conv.PeerID)
}

// AcceptCall answers a ringing call.
func (c *Client) AcceptCall(ctx context.Context, kind call.Kind) error {
	m := c.Call(kind)
	if m == nil {
		return fmt.Errorf("unknown call type %q", kind)
	}

	return m.Accept(ctx)
}

// RejectCall declines a ringing call.
func (c *Client) RejectCall(ctx context.Context, kind call.Kind) error {
	m := c.Call(kind)
	if m == nil {
		return fmt.Errorf("unknown call type %q", kind)
	}

	return m.Reject(ctx)
}

// EndCall hangs up.
func (c *Client) EndCall(ctx context.Context, kind call.Kind) error {
	m := c.Call(kind)
	if m == nil {
		return fmt.Errorf("unknown call type %q", kind)
	}

	return m.End(ctx)
}

// CallStatus reports the state and remote party of a call channel.
func (c *Client) CallStatus(kind call.Kind) (call.State, string) {
	m := c.Call(kind)
	if m == nil {
		return call.StateIdle, ""
	}

	return m.State(), m.PeerID()
}

// PublishPublicKey implements keyring.Publisher.
func (c *Client) PublishPublicKey(ctx context.Context, encodedKey string) error {
	return c.relay.Send(ctx, relay.FramePublishPublicKey, models.PublicKey{UserID: c.cfg.SelfID, PublicKey: encodedKey})
}

// LogCall implements call.Logger by sending a call-log message into the
// active conversation when it is with the call's peer.
func (c *Client) LogCall(ctx context.Context, rec call.Record) error {
	conv := c.directory.Active()
	if conv.ID == "" || conv.PeerID != rec.PeerID {
		c.logger.Debug("call log outside active conversation", slog.String("peer", rec.PeerID))
		return nil
	}

	_, err := c.pipeline.Send(ctx, conv.ID, conv.PeerID, chat.SendRequest{
		Type:    models.TypeCallLog,
		Content: callLogContent(rec),
	})

	return err
}

func callLogContent(rec call.Record) string {
	d := rec.Duration.Round(time.Second)
	if d == 0 {
		d = rec.Duration.Round(time.Millisecond)
	}

	return fmt.Sprintf("%s call, %s", rec.Kind, d)
}

// --- Connection lifecycle ---

func (c *Client) onConnection(ev relay.ConnectionEvent) {
	c.emit(Event{Kind: EventConnection, Connection: ev})

	if ev.Kind != relay.EventConnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionWorkTimeout)
	defer cancel()

	if err := c.keys.PublishPublicKey(ctx); err != nil {
		c.logger.Warn("publishing public key", slog.String("error", err.Error()))
	}

	if err := c.syncer.OnConnection(ctx, ev); err != nil {
		c.logger.Warn("sync request failed", slog.String("error", err.Error()))
	}
}

// --- Subscriptions ---

// Subscribe registers fn for client events and returns a function that
// removes it. fn runs synchronously on the goroutine that produced the
// event and must not block.
func (c *Client) Subscribe(fn func(Event)) func() {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Client) emit(ev Event) {
	c.subsMu.Lock()
	fns := make([]func(Event), 0, len(c.subs))

	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
