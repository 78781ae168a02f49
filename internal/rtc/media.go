package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alexjbarnes/chatcore/internal/call"
	apperrors "github.com/alexjbarnes/chatcore/internal/errors"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	streamID      = "chatcore"
	opusFrameTime = 20 * time.Millisecond
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilentSource is a MediaSource for headless clients. It produces an
// Opus audio track carrying silence and, for video calls, a VP8 track
// that stays empty. Disabled sources refuse every request.
type SilentSource struct {
	enabled bool
}

// NewSilentSource returns a source. enabled=false behaves like a denied
// permission prompt.
func NewSilentSource(enabled bool) *SilentSource {
	return &SilentSource{enabled: enabled}
}

// Acquire implements call.MediaSource.
func (s *SilentSource) Acquire(ctx context.Context, video bool) (call.MediaStream, error) {
	if !s.enabled {
		return nil, apperrors.ErrMediaDenied
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("creating audio track: %w", err)
	}

	st := &Stream{
		tracks: []webrtc.TrackLocal{audio},
		done:   make(chan struct{}),
	}

	if video {
		v, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("creating video track: %w", err)
		}

		st.tracks = append(st.tracks, v)
	}

	st.wg.Add(1)

	go st.writeSilence(audio)

	return st, nil
}

// Stream is the local media of one call.
type Stream struct {
	tracks []webrtc.TrackLocal
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Stop ends the sample writer. It is safe to call more than once and
// returns after the writer has exited.
func (s *Stream) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Kinds returns the track kinds in the stream.
func (s *Stream) Kinds() []string {
	out := make([]string, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.Kind().String())
	}

	return out
}

func (s *Stream) writeSilence(track *webrtc.TrackLocalStaticSample) {
	defer s.wg.Done()

	ticker := time.NewTicker(opusFrameTime)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			// Writes before the track is bound to a sender are dropped
			// by pion, which is what we want.
			_ = track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameTime})
		}
	}
}
