// Package rtc adapts pion/webrtc to the call package's PeerConnection,
// PeerFactory and MediaSource interfaces.
package rtc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/chatcore/internal/call"
	"github.com/alexjbarnes/chatcore/internal/logging"
	"github.com/alexjbarnes/chatcore/internal/models"
	"github.com/pion/webrtc/v4"
)

// Factory builds pion peer connections sharing one API and ICE server
// configuration.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger
}

// NewFactory registers the default codecs and returns a Factory that
// gathers candidates against servers.
func NewFactory(servers []webrtc.ICEServer, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}

	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		config: webrtc.Configuration{ICEServers: servers},
		logger: logger,
	}, nil
}

// NewPeer implements call.PeerFactory.
func (f *Factory) NewPeer(h call.PeerHandlers) (call.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &Peer{pc: pc, logger: f.logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || h.OnICECandidate == nil {
			return
		}

		h.OnICECandidate(fromInit(c.ToJSON()))
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f.logger.Debug("peer connection state", slog.String("state", s.String()))

		if h.OnTransportState != nil {
			h.OnTransportState(transportState(s))
		}
	})

	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if h.OnRemoteTrack != nil {
			h.OnRemoteTrack(t.Kind().String())
		}
	})

	return p, nil
}

// Peer wraps a pion PeerConnection.
type Peer struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger
}

// AddStream attaches every track of a stream created by this package.
func (p *Peer) AddStream(stream call.MediaStream) error {
	s, ok := stream.(*Stream)
	if !ok {
		return fmt.Errorf("unsupported media stream %T", stream)
	}

	for _, track := range s.tracks {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("adding %s track: %w", track.Kind(), err)
		}

		// RTCP has to be drained for the interceptors to run.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	return nil
}

// CreateOffer creates an offer, applies it as the local description and
// returns its SDP. Candidates are trickled through OnICECandidate.
func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}

	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local offer: %w", err)
	}

	return offer.SDP, nil
}

// CreateAnswer is CreateOffer for the answering side.
func (p *Peer) CreateAnswer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local answer: %w", err)
	}

	return answer.SDP, nil
}

// SetRemoteDescription applies the remote offer or answer.
func (p *Peer) SetRemoteDescription(typ call.SDPType, sdp string) error {
	var t webrtc.SDPType

	switch typ {
	case call.SDPOffer:
		t = webrtc.SDPTypeOffer
	case call.SDPAnswer:
		t = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unknown sdp type %q", typ)
	}

	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: sdp})
}

// AddICECandidate applies one remote candidate.
func (p *Peer) AddICECandidate(c models.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	return p.pc.Close()
}

func fromInit(c webrtc.ICECandidateInit) models.ICECandidate {
	return models.ICECandidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func transportState(s webrtc.PeerConnectionState) call.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return call.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return call.TransportClosed
	default:
		return call.TransportNew
	}
}
