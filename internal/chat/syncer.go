package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/chatcore/internal/models"
	"github.com/alexjbarnes/chatcore/internal/relay"
)

// PendingMatcher confirms optimistic entries. *Pipeline satisfies it.
type PendingMatcher interface {
	MatchPending(msg models.Message) (string, bool)
}

// Syncer backfills messages missed while the relay connection was down.
// A sync round runs once per resumed connection, never on the first
// connection of a session and never on a conversation switch.
type Syncer struct {
	timeline  *Timeline
	transport Transport
	directory Directory
	opener    *Opener
	matcher   PendingMatcher
	logger    *slog.Logger

	mu         sync.Mutex
	generation int
	requested  int
}

// NewSyncer creates a Syncer. matcher may be nil.
func NewSyncer(timeline *Timeline, transport Transport, directory Directory, opener *Opener, matcher PendingMatcher, logger *slog.Logger) *Syncer {
	return &Syncer{
		timeline:  timeline,
		transport: transport,
		directory: directory,
		opener:    opener,
		matcher:   matcher,
		logger:    logger,
	}
}

// OnConnection reacts to relay lifecycle events. Every EventConnected
// starts a new connection generation; resumed generations request a
// sync.
func (s *Syncer) OnConnection(ctx context.Context, ev relay.ConnectionEvent) error {
	if ev.Kind != relay.EventConnected {
		return nil
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	if !ev.Resumed {
		s.logger.Debug("first connection of session, no sync needed")
		return nil
	}

	return s.request(ctx, gen)
}

func (s *Syncer) request(ctx context.Context, gen int) error {
	conv := s.directory.Active()
	if conv.ID == "" {
		s.logger.Debug("no active conversation, skipping sync")
		return nil
	}

	s.mu.Lock()
	if s.requested >= gen {
		s.mu.Unlock()
		return nil
	}

	s.requested = gen
	s.mu.Unlock()

	req := models.SyncRequest{
		ConversationID: conv.ID,
		LastMessageID:  s.timeline.LastMessageID(),
	}

	s.logger.Info("requesting missed messages",
		slog.String("conversation_id", req.ConversationID),
		slog.String("last_message_id", req.LastMessageID),
	)

	if err := s.transport.Send(ctx, relay.FrameSyncRequest, req); err != nil {
		return fmt.Errorf("requesting sync: %w", err)
	}

	return nil
}

// HandleResponse merges a sync-response into the timeline. Only
// messages for the conversation active now are kept; a user may have
// switched conversations while the request was in flight. Returns the
// number of messages that were new to the timeline. Applying the same
// response twice is a no-op the second time.
func (s *Syncer) HandleResponse(resp models.SyncResponse) int {
	active := s.directory.Active().ID

	kept := make([]models.Message, 0, len(resp.Messages))
	undecryptable := 0

	for _, msg := range resp.Messages {
		if msg.ConversationID != active {
			continue
		}

		msg = s.opener.Open(msg)
		if msg.Undecryptable {
			undecryptable++
		}

		if s.matcher != nil {
			s.matcher.MatchPending(msg)
		}

		kept = append(kept, msg)
	}

	discarded := len(resp.Messages) - len(kept)
	if discarded > 0 {
		s.logger.Info("discarded sync messages for inactive conversations",
			slog.Int("discarded", discarded),
			slog.String("active_conversation_id", active),
		)
	}

	if active == "" || s.timeline.ConversationID() != active {
		return 0
	}

	added := s.timeline.Merge(kept)

	s.logger.Info("sync merged",
		slog.Int("received", len(resp.Messages)),
		slog.Int("added", added),
		slog.Int("undecryptable", undecryptable),
	)

	return added
}
