package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/chatcore/internal/errors"
	"github.com/alexjbarnes/chatcore/internal/logging"
	"github.com/alexjbarnes/chatcore/internal/models"
	"github.com/alexjbarnes/chatcore/internal/relay"
)

// Reject reasons sent on call-reject frames.
const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
	ReasonFailed   = "failed"
)

// session is one call from first signal to teardown. The Machine holds
// at most one.
type session struct {
	state    State
	peerID   string
	outgoing bool
	offerSDP string
	accepted bool

	peer   PeerConnection
	stream MediaStream

	// ICE candidates that arrived before the remote description was set.
	// Flushed in arrival order exactly once.
	pendingICE []models.ICECandidate
	remoteSet  bool

	reachedConnected bool
	startedAt        time.Time
}

// Machine runs the signaling state machine for one call channel. All
// methods are safe for concurrent use; inbound signals are expected from
// the relay dispatch goroutine and local actions from anywhere.
type Machine struct {
	kind     Kind
	selfID   string
	signaler Signaler
	peers    PeerFactory
	media    MediaSource
	callLog  Logger
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	session *session

	subsMu  sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// NewMachine creates an idle machine for the given channel. callLog may
// be nil.
func NewMachine(kind Kind, selfID string, signaler Signaler, peers PeerFactory, media MediaSource, callLog Logger, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = logging.Discard()
	}

	return &Machine{
		kind:     kind,
		selfID:   selfID,
		signaler: signaler,
		peers:    peers,
		media:    media,
		callLog:  callLog,
		logger:   logger.With("call", string(kind)),
		now:      time.Now,
		subs:     make(map[int]func(Event)),
	}
}

// Kind returns the channel this machine serves.
func (m *Machine) Kind() Kind { return m.kind }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return StateIdle
	}

	return m.session.state
}

// PeerID returns the remote party of the current call, or "".
func (m *Machine) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return ""
	}

	return m.session.peerID
}

// Duration returns how long the media path has been up. Zero until the
// transport reports connected.
func (m *Machine) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.startedAt.IsZero() {
		return 0
	}

	return m.now().Sub(m.session.startedAt)
}

// Subscribe registers fn for call events and returns a function that
// removes it. fn runs synchronously and must not block.
func (m *Machine) Subscribe(fn func(Event)) func() {
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

// Start places an outgoing call to peerID.
func (m *Machine) Start(ctx context.Context, peerID string) error {
	if peerID == "" {
		return fmt.Errorf("%w: no peer", apperrors.ErrInvalidTransition)
	}

	s := &session{state: StateCalling, peerID: peerID, outgoing: true}

	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return apperrors.ErrCallBusy
	}

	m.session = s
	m.mu.Unlock()

	m.emit(Event{Kind: EventStateChanged, State: StateCalling, PeerID: peerID})

	if err := m.prepare(ctx, s); err != nil {
		m.fail(s, err)
		return err
	}

	offer, err := s.peer.CreateOffer(ctx)
	if err != nil {
		err = fmt.Errorf("creating offer: %w", err)
		m.fail(s, err)

		return err
	}

	if !m.current(s) {
		return apperrors.ErrInvalidTransition
	}

	if err := m.signal(ctx, relay.FrameCallOffer, models.CallSignal{To: peerID, SDP: offer}); err != nil {
		m.fail(s, err)
		return err
	}

	m.logger.Info("call offered", slog.String("peer", peerID))

	return nil
}

// Accept answers the ringing call.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	s := m.session

	if s == nil || s.state != StateRinging || s.accepted {
		m.mu.Unlock()
		return fmt.Errorf("%w: accept while %s", apperrors.ErrInvalidTransition, m.stateLocked())
	}

	s.accepted = true
	m.mu.Unlock()

	if err := m.prepare(ctx, s); err != nil {
		m.rejectAfterFailure(ctx, s, err)
		return err
	}

	if err := m.applyRemote(s, SDPOffer, s.offerSDP); err != nil {
		m.rejectAfterFailure(ctx, s, err)
		return err
	}

	answer, err := s.peer.CreateAnswer(ctx)
	if err != nil {
		err = fmt.Errorf("creating answer: %w", err)
		m.rejectAfterFailure(ctx, s, err)

		return err
	}

	if err := m.signal(ctx, relay.FrameCallAnswer, models.CallSignal{To: s.peerID, SDP: answer}); err != nil {
		m.fail(s, err)
		return err
	}

	m.setConnected(s)

	return nil
}

// Reject declines the ringing call.
func (m *Machine) Reject(ctx context.Context) error {
	m.mu.Lock()
	s := m.session

	if s == nil || s.state != StateRinging {
		m.mu.Unlock()
		return fmt.Errorf("%w: reject while %s", apperrors.ErrInvalidTransition, m.stateLocked())
	}
	m.mu.Unlock()

	err := m.signal(ctx, relay.FrameCallReject, models.CallSignal{To: s.peerID, Reason: ReasonDeclined})
	m.teardown(s, ReasonDeclined)

	return err
}

// End hangs up the current call in any non-idle state. Local media is
// stopped and the peer connection closed before End returns.
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	if s == nil {
		return fmt.Errorf("%w: no active call", apperrors.ErrInvalidTransition)
	}

	err := m.signal(ctx, relay.FrameCallEnd, models.CallSignal{To: s.peerID})
	m.teardown(s, "hangup")

	return err
}

// HandleOffer processes an inbound call-offer. A busy channel rejects
// automatically.
func (m *Machine) HandleOffer(ctx context.Context, sig models.CallSignal) {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		m.logger.Info("rejecting offer while busy", slog.String("from", sig.From))

		if err := m.signal(ctx, relay.FrameCallReject, models.CallSignal{To: sig.From, Reason: ReasonBusy}); err != nil {
			m.logger.Warn("busy reject failed", slog.String("error", err.Error()))
		}

		return
	}

	s := &session{state: StateRinging, peerID: sig.From, offerSDP: sig.SDP}
	m.session = s
	m.mu.Unlock()

	m.logger.Info("incoming call", slog.String("from", sig.From))
	m.emit(Event{Kind: EventStateChanged, State: StateRinging, PeerID: sig.From})
	m.emit(Event{Kind: EventIncoming, State: StateRinging, PeerID: sig.From})
}

// HandleAnswer processes the remote answer to our offer.
func (m *Machine) HandleAnswer(ctx context.Context, sig models.CallSignal) {
	s, ok := m.sessionFor(sig.From, StateCalling)
	if !ok {
		m.logger.Debug("ignoring unexpected answer", slog.String("from", sig.From))
		return
	}

	if err := m.applyRemote(s, SDPAnswer, sig.SDP); err != nil {
		m.fail(s, err)

		if sendErr := m.signal(ctx, relay.FrameCallEnd, models.CallSignal{To: s.peerID}); sendErr != nil {
			m.logger.Warn("call end failed", slog.String("error", sendErr.Error()))
		}

		return
	}

	m.setConnected(s)
}

// HandleICE applies or queues a remote ICE candidate.
func (m *Machine) HandleICE(sig models.CallSignal) {
	if sig.Candidate == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil || s.peerID != sig.From {
		m.logger.Debug("dropping ICE candidate without call", slog.String("from", sig.From))
		return
	}

	if s.peer == nil || !s.remoteSet {
		s.pendingICE = append(s.pendingICE, *sig.Candidate)
		return
	}

	if err := s.peer.AddICECandidate(*sig.Candidate); err != nil {
		m.logger.Warn("adding ICE candidate", slog.String("error", err.Error()))
	}
}

// HandleReject processes a call-reject from the remote party: the callee
// declining our call, or the caller withdrawing an offer still ringing
// here.
func (m *Machine) HandleReject(sig models.CallSignal) {
	s, ok := m.sessionFor(sig.From, StateCalling, StateRinging)
	if !ok {
		return
	}

	reason := sig.Reason
	if reason == "" {
		reason = ReasonDeclined
	}

	m.logger.Info("call rejected", slog.String("peer", sig.From), slog.String("reason", reason))
	m.teardown(s, reason)
}

// HandleEnd processes the remote party hanging up.
func (m *Machine) HandleEnd(sig models.CallSignal) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	if s == nil || s.peerID != sig.From {
		return
	}

	m.teardown(s, "remote hangup")
}

// prepare acquires local media and builds the peer connection.
func (m *Machine) prepare(ctx context.Context, s *session) error {
	if m.media == nil || m.peers == nil {
		return fmt.Errorf("%w: calls are not configured", apperrors.ErrMediaDenied)
	}

	stream, err := m.media.Acquire(ctx, m.kind == Video)
	if err != nil {
		if !errors.Is(err, apperrors.ErrMediaDenied) {
			err = fmt.Errorf("acquiring media: %w", err)
		}

		return err
	}

	peer, err := m.peers.NewPeer(m.handlers(s))
	if err != nil {
		stream.Stop()
		return fmt.Errorf("creating peer connection: %w", err)
	}

	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		stream.Stop()
		_ = peer.Close()

		return fmt.Errorf("%w: call ended during setup", apperrors.ErrInvalidTransition)
	}

	s.stream = stream
	s.peer = peer
	m.mu.Unlock()

	if err := peer.AddStream(stream); err != nil {
		return fmt.Errorf("adding local media: %w", err)
	}

	return nil
}

// applyRemote sets the remote description and then flushes the queued
// candidates in arrival order. Both happen under the lock so a candidate
// arriving concurrently is either queued before the flush or applied
// after it.
func (m *Machine) applyRemote(s *session, typ SDPType, sdp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != s || s.peer == nil {
		return fmt.Errorf("%w: call ended", apperrors.ErrInvalidTransition)
	}

	if err := s.peer.SetRemoteDescription(typ, sdp); err != nil {
		return fmt.Errorf("setting remote %s: %w", typ, err)
	}

	s.remoteSet = true
	queued := s.pendingICE
	s.pendingICE = nil

	for _, c := range queued {
		if err := s.peer.AddICECandidate(c); err != nil {
			m.logger.Warn("adding queued ICE candidate", slog.String("error", err.Error()))
		}
	}

	if len(queued) > 0 {
		m.logger.Debug("flushed ICE candidates", slog.Int("count", len(queued)))
	}

	return nil
}

func (m *Machine) setConnected(s *session) {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return
	}

	s.state = StateConnected
	s.reachedConnected = true
	m.mu.Unlock()

	m.logger.Info("call connected", slog.String("peer", s.peerID))
	m.emit(Event{Kind: EventStateChanged, State: StateConnected, PeerID: s.peerID})
}

func (m *Machine) handlers(s *session) PeerHandlers {
	return PeerHandlers{
		OnICECandidate: func(c models.ICECandidate) {
			if !m.current(s) {
				return
			}

			cand := c
			if err := m.signal(context.Background(), relay.FrameCallICE, models.CallSignal{To: s.peerID, Candidate: &cand}); err != nil {
				m.logger.Warn("sending ICE candidate", slog.String("error", err.Error()))
			}
		},
		OnTransportState: func(ts TransportState) {
			m.transportChanged(s, ts)
		},
		OnRemoteTrack: func(kind string) {
			if m.current(s) {
				m.emit(Event{Kind: EventRemoteTrack, State: StateConnected, PeerID: s.peerID, Reason: kind})
			}
		},
	}
}

func (m *Machine) transportChanged(s *session, ts TransportState) {
	switch ts {
	case TransportConnected:
		m.mu.Lock()
		if m.session != s || !s.startedAt.IsZero() {
			m.mu.Unlock()
			return
		}

		s.startedAt = m.now()
		m.mu.Unlock()

		m.emit(Event{Kind: EventMediaConnected, State: StateConnected, PeerID: s.peerID})

	case TransportFailed:
		if !m.current(s) {
			return
		}

		m.logger.Warn("media transport failed", slog.String("peer", s.peerID))

		if err := m.signal(context.Background(), relay.FrameCallEnd, models.CallSignal{To: s.peerID}); err != nil {
			m.logger.Warn("call end failed", slog.String("error", err.Error()))
		}

		m.teardown(s, "transport failed")

	case TransportDisconnected:
		m.logger.Debug("media transport interrupted", slog.String("peer", s.peerID))
	}
}

// fail ends the call after a local error and reports it.
func (m *Machine) fail(s *session, err error) {
	if !m.current(s) {
		return
	}

	m.logger.Warn("call failed", slog.String("error", err.Error()))
	m.emit(Event{Kind: EventError, State: s.state, PeerID: s.peerID, Err: err})
	m.teardown(s, ReasonFailed)
}

// rejectAfterFailure tells the caller we could not take the call, then
// fails locally.
func (m *Machine) rejectAfterFailure(ctx context.Context, s *session, err error) {
	if m.current(s) {
		if sendErr := m.signal(ctx, relay.FrameCallReject, models.CallSignal{To: s.peerID, Reason: ReasonFailed}); sendErr != nil {
			m.logger.Warn("call reject failed", slog.String("error", sendErr.Error()))
		}
	}

	m.fail(s, err)
}

// teardown stops media, closes the peer connection and returns the
// machine to idle. Only the first teardown of a session has any effect.
func (m *Machine) teardown(s *session, reason string) {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return
	}

	m.session = nil
	s.state = StateEnded
	stream, peer := s.stream, s.peer

	var duration time.Duration
	if !s.startedAt.IsZero() {
		duration = m.now().Sub(s.startedAt)
	}
	m.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}

	if peer != nil {
		if err := peer.Close(); err != nil {
			m.logger.Debug("closing peer connection", slog.String("error", err.Error()))
		}
	}

	m.logger.Info("call ended",
		slog.String("peer", s.peerID),
		slog.String("reason", reason),
		slog.Duration("duration", duration),
	)

	m.emit(Event{Kind: EventStateChanged, State: StateEnded, PeerID: s.peerID, Reason: reason})
	m.emit(Event{Kind: EventStateChanged, State: StateIdle, PeerID: s.peerID})
	m.emit(Event{Kind: EventEnded, State: StateIdle, PeerID: s.peerID, Reason: reason, Duration: duration})

	if s.reachedConnected && duration > 0 && m.callLog != nil {
		rec := Record{PeerID: s.peerID, Kind: m.kind, Outgoing: s.outgoing, Duration: duration, EndedAt: m.now()}
		if err := m.callLog.LogCall(context.Background(), rec); err != nil {
			m.logger.Warn("writing call log", slog.String("error", err.Error()))
		}
	}
}

func (m *Machine) signal(ctx context.Context, frameType string, sig models.CallSignal) error {
	sig.From = m.selfID
	sig.CallType = string(m.kind)

	if err := m.signaler.Send(ctx, frameType, sig); err != nil {
		return fmt.Errorf("sending %s: %w", frameType, err)
	}

	return nil
}

func (m *Machine) sessionFor(peerID string, want ...State) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil || s.peerID != peerID || !slices.Contains(want, s.state) {
		return nil, false
	}

	return s, true
}

func (m *Machine) current(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session == s
}

func (m *Machine) stateLocked() State {
	if m.session == nil {
		return StateIdle
	}

	return m.session.state
}

func (m *Machine) emit(ev Event) {
	ev.Call = m.kind

	m.subsMu.Lock()
	fns := make([]func(Event), 0, len(m.subs))

	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
