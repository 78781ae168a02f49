// Package call implements the signaling state machine for one-to-one
// voice and video calls. Offers, answers and ICE candidates travel over
// the relay connection; media flows over a peer connection supplied by
// a PeerFactory.
package call

import (
	"context"
	"fmt"
	"time"

	"github.com/alexjbarnes/chatcore/internal/models"
)

//go:generate mockgen -source=types.go -destination=mock_call_test.go -package=call

// Kind is the call channel. Voice and video machines are independent.
type Kind string

const (
	Voice Kind = "voice"
	Video Kind = "video"
)

// State is the state of a call channel.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SDPType distinguishes offers from answers.
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// TransportState is the peer connection's view of the media path.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

// PeerHandlers are the callbacks a PeerConnection reports through. They
// may be invoked from any goroutine.
type PeerHandlers struct {
	OnICECandidate   func(c models.ICECandidate)
	OnTransportState func(s TransportState)
	OnRemoteTrack    func(kind string)
}

// PeerConnection is one WebRTC peer connection.
type PeerConnection interface {
	AddStream(stream MediaStream) error
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(typ SDPType, sdp string) error
	AddICECandidate(c models.ICECandidate) error
	Close() error
}

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeer(handlers PeerHandlers) (PeerConnection, error)
}

// MediaStream is the local capture of a call.
type MediaStream interface {
	Stop()
}

// MediaSource acquires local media. A refused permission prompt fails
// with ErrMediaDenied.
type MediaSource interface {
	Acquire(ctx context.Context, video bool) (MediaStream, error)
}

// Signaler writes signaling frames to the relay.
type Signaler interface {
	Send(ctx context.Context, frameType string, payload interface{}) error
}

// Record is one finished call as written to the chat history. Duration
// is measured from the media path connecting to teardown and is always
// positive.
type Record struct {
	PeerID   string
	Kind     Kind
	Outgoing bool
	Duration time.Duration
	EndedAt  time.Time
}

// Logger writes call-log records into the surrounding chat history.
type Logger interface {
	LogCall(ctx context.Context, rec Record) error
}

// EventKind identifies an Event.
type EventKind int

const (
	// EventStateChanged fires on every state transition.
	EventStateChanged EventKind = iota + 1
	// EventIncoming fires when a remote offer arrives on an idle channel.
	EventIncoming
	// EventMediaConnected fires when the peer transport reports a live
	// media path and the duration clock starts.
	EventMediaConnected
	// EventRemoteTrack fires when the peer's media arrives.
	EventRemoteTrack
	// EventEnded fires once per call, after teardown.
	EventEnded
	// EventError reports a failure that ended or prevented a call.
	EventError
)

// Event is delivered to subscribers of a Machine.
type Event struct {
	Kind     EventKind
	Call     Kind
	State    State
	PeerID   string
	Reason   string
	Duration time.Duration
	Err      error
}
