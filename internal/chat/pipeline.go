package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/chatcore/internal/errors"
	"github.com/alexjbarnes/chatcore/internal/models"
	"github.com/alexjbarnes/chatcore/internal/relay"
	"github.com/google/uuid"
)

const defaultAckTimeout = 10 * time.Second

// PlaintextPolicy decides what happens when a message is addressed to a
// user whose public key has not been observed yet.
type PlaintextPolicy string

const (
	// PlaintextAllow sends the message unencrypted and logs a warning.
	PlaintextAllow PlaintextPolicy = "allow"
	// PlaintextBlock refuses the send with ErrPlaintextBlocked.
	PlaintextBlock PlaintextPolicy = "block"
)

// Transport writes frames to the relay session. *relay.Manager
// satisfies it.
type Transport interface {
	Send(ctx context.Context, frameType string, payload interface{}) error
}

// Fallback is the secondary request/response channel used when a
// realtime send fails. *relay.APIClient satisfies it.
type Fallback interface {
	SendMessage(ctx context.Context, msg models.SendMessage) (*models.Message, error)
}

// PipelineConfig holds the Pipeline settings.
type PipelineConfig struct {
	SelfID     string
	AckTimeout time.Duration
	Plaintext  PlaintextPolicy
}

// SendRequest is one local send action.
type SendRequest struct {
	Type    string
	Content string
}

// pendingMessage is a locally originated message awaiting its
// authoritative echo. At most one exists per Send call.
type pendingMessage struct {
	localID        string
	conversationID string
	senderID       string
	msgType        string
	content        string
	nonce          string
	createdAt      time.Time
	timer          *time.Timer
}

// Pipeline is the outbound message path: encrypt, insert an optimistic
// entry into the timeline, transmit with an HTTP fallback, and reconcile
// the optimistic entry with the relay's echo.
type Pipeline struct {
	cfg       PipelineConfig
	timeline  *Timeline
	transport Transport
	fallback  Fallback
	sealer    Sealer
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time

	mu      sync.Mutex
	pending []*pendingMessage
}

// NewPipeline creates a Pipeline. fallback may be nil, in which case a
// failed realtime send fails the message outright.
func NewPipeline(cfg PipelineConfig, timeline *Timeline, transport Transport, fallback Fallback, sealer Sealer, logger *slog.Logger) *Pipeline {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}

	if cfg.Plaintext == "" {
		cfg.Plaintext = PlaintextAllow
	}

	return &Pipeline{
		cfg:       cfg,
		timeline:  timeline,
		transport: transport,
		fallback:  fallback,
		sealer:    sealer,
		logger:    logger,
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// Send delivers one message to recipientID in conversationID. The
// optimistic entry is in the timeline before any network I/O starts.
// When neither the socket nor the HTTP fallback accepts the message the
// entry is removed again and the error wraps ErrSendFailed.
func (p *Pipeline) Send(ctx context.Context, conversationID, recipientID string, req SendRequest) (models.Message, error) {
	msgType := req.Type
	if msgType == "" {
		msgType = models.TypeText
	}

	content := Normalize(req.Content)

	wire := models.SendMessage{
		ConversationID: conversationID,
		RecipientID:    recipientID,
		Type:           msgType,
	}

	ciphertext, nonce, encrypted, err := seal(p.sealer, recipientID, content)
	if err != nil {
		return models.Message{}, err
	}

	if encrypted {
		wire.Ciphertext = ciphertext
		wire.Nonce = nonce
	} else {
		if err := p.allowPlaintext(recipientID, "send"); err != nil {
			return models.Message{}, err
		}

		wire.Content = content
	}

	entry := &pendingMessage{
		localID:        p.newID(),
		conversationID: conversationID,
		senderID:       p.cfg.SelfID,
		msgType:        msgType,
		content:        content,
		nonce:          nonce,
		createdAt:      p.now(),
	}

	local := models.Message{
		ConversationID: conversationID,
		SenderID:       p.cfg.SelfID,
		RecipientID:    recipientID,
		Type:           msgType,
		Content:        content,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		Timestamp:      entry.createdAt,
		LocalID:        entry.localID,
		Temporary:      true,
	}

	p.mu.Lock()
	p.pending = append(p.pending, entry)
	p.mu.Unlock()

	p.timeline.Upsert(local)

	if err := p.transport.Send(ctx, relay.FrameSendMessage, wire); err != nil {
		stored, ferr := p.sendFallback(ctx, wire, err)
		if ferr != nil {
			p.discard(entry.localID)
			return models.Message{}, ferr
		}

		if stored != nil && stored.ID != "" {
			stored.Content = content
			stored.LocalID = ""
			stored.Temporary = false
			p.Receive(*stored)

			return *stored, nil
		}
	}

	p.startAckTimer(entry)

	return local, nil
}

// sendFallback retries once over HTTP after the realtime send failed
// with sendErr.
func (p *Pipeline) sendFallback(ctx context.Context, wire models.SendMessage, sendErr error) (*models.Message, error) {
	if p.fallback == nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrSendFailed, sendErr)
	}

	p.logger.Warn("realtime send failed, trying HTTP fallback",
		slog.String("conversation_id", wire.ConversationID),
		slog.String("error", sendErr.Error()),
	)

	stored, err := p.fallback.SendMessage(ctx, wire)
	if err != nil {
		p.logger.Error("message send failed on both paths",
			slog.String("conversation_id", wire.ConversationID),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: realtime: %v, fallback: %v", apperrors.ErrSendFailed, sendErr, err)
	}

	return stored, nil
}

func (p *Pipeline) allowPlaintext(recipientID, verb string) error {
	if p.cfg.Plaintext == PlaintextBlock {
		p.logger.Warn("no public key for recipient, plaintext refused",
			slog.String("recipient_id", recipientID),
			slog.String("verb", verb),
		)

		return fmt.Errorf("%w: %s", apperrors.ErrPlaintextBlocked, recipientID)
	}

	p.logger.Warn("no public key for recipient, sending plaintext",
		slog.String("recipient_id", recipientID),
		slog.String("verb", verb),
	)

	return nil
}

func (p *Pipeline) startAckTimer(entry *pendingMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// The echo may already have matched it.
	if !slices.Contains(p.pending, entry) {
		return
	}

	localID := entry.localID
	entry.timer = time.AfterFunc(p.cfg.AckTimeout, func() {
		p.demote(localID)
	})
}

// demote clears the temporary flag once the ack timeout elapses. The
// entry stays pending so a late echo still replaces it.
func (p *Pipeline) demote(localID string) {
	p.mu.Lock()
	i := p.indexOf(localID)
	if i < 0 {
		p.mu.Unlock()
		return
	}

	p.pending[i].timer = nil
	p.mu.Unlock()

	if p.timeline.Demote(localID) {
		p.logger.Debug("no echo within ack timeout, keeping message",
			slog.String("local_id", localID),
			slog.Duration("timeout", p.cfg.AckTimeout),
		)
	}
}

func (p *Pipeline) discard(localID string) {
	p.mu.Lock()
	if i := p.indexOf(localID); i >= 0 {
		if t := p.pending[i].timer; t != nil {
			t.Stop()
		}

		p.pending = slices.Delete(p.pending, i, i+1)
	}
	p.mu.Unlock()

	p.timeline.Remove(localID)
}

// indexOf must be called with mu held.
func (p *Pipeline) indexOf(localID string) int {
	return slices.IndexFunc(p.pending, func(e *pendingMessage) bool {
		return e.localID == localID
	})
}

// MatchPending removes the pending entry that msg confirms, if any, and
// drops its optimistic timeline entry. A nonce match wins over every
// content match. Entries sent without a nonce match on type, content
// and sender. An entry is removed on match so it can never match twice.
func (p *Pipeline) MatchPending(msg models.Message) (string, bool) {
	content := Normalize(msg.Content)

	p.mu.Lock()

	idx := -1

	if msg.Nonce != "" {
		idx = slices.IndexFunc(p.pending, func(e *pendingMessage) bool {
			return e.nonce == msg.Nonce
		})
	}

	if idx < 0 {
		idx = slices.IndexFunc(p.pending, func(e *pendingMessage) bool {
			return e.nonce == "" &&
				e.msgType == msg.Type &&
				e.content == content &&
				e.senderID == msg.SenderID
		})
	}

	if idx < 0 {
		p.mu.Unlock()
		return "", false
	}

	entry := p.pending[idx]
	p.pending = slices.Delete(p.pending, idx, idx+1)

	if entry.timer != nil {
		entry.timer.Stop()
	}
	p.mu.Unlock()

	p.timeline.Remove(entry.localID)

	p.logger.Debug("pending message confirmed",
		slog.String("local_id", entry.localID),
		slog.String("message_id", msg.ID),
		slog.String("conversation_id", entry.conversationID),
		slog.Duration("latency", p.now().Sub(entry.createdAt)),
	)

	return entry.localID, true
}

// Receive applies an authoritative, already decrypted message: it
// confirms the matching pending entry and inserts the message when it
// belongs to the active conversation. Reports whether a pending entry
// was matched.
func (p *Pipeline) Receive(msg models.Message) bool {
	_, matched := p.MatchPending(msg)

	if msg.ConversationID == p.timeline.ConversationID() {
		p.timeline.Upsert(msg)
	}

	return matched
}

// Edit replaces the content of a message this user sent. No optimistic
// entry is created; the timeline changes when the relay echoes the edit.
func (p *Pipeline) Edit(ctx context.Context, messageID, content string) error {
	orig, ok := p.timeline.Get(messageID)
	if !ok || orig.ID == "" {
		return fmt.Errorf("editing %s: %w", messageID, apperrors.ErrUnknownMessage)
	}

	if orig.SenderID != p.cfg.SelfID {
		return fmt.Errorf("editing %s: message was not sent by this user", messageID)
	}

	content = Normalize(content)
	peer := orig.PeerID(p.cfg.SelfID)

	wire := models.EditMessage{
		ID:             messageID,
		ConversationID: orig.ConversationID,
	}

	ciphertext, nonce, encrypted, err := seal(p.sealer, peer, content)
	if err != nil {
		return err
	}

	if encrypted {
		wire.Ciphertext = ciphertext
		wire.Nonce = nonce
	} else {
		if err := p.allowPlaintext(peer, "edit"); err != nil {
			return err
		}

		wire.Content = content
	}

	if err := p.transport.Send(ctx, relay.FrameEditMessage, wire); err != nil {
		return fmt.Errorf("editing %s: %w", messageID, err)
	}

	return nil
}

// Delete asks the relay to delete a message. The entry leaves the
// timeline when the relay confirms with message-deleted.
func (p *Pipeline) Delete(ctx context.Context, messageID string) error {
	orig, ok := p.timeline.Get(messageID)
	if !ok || orig.ID == "" {
		return fmt.Errorf("deleting %s: %w", messageID, apperrors.ErrUnknownMessage)
	}

	wire := models.DeleteMessage{ID: messageID, ConversationID: orig.ConversationID}

	if err := p.transport.Send(ctx, relay.FrameDeleteMessage, wire); err != nil {
		return fmt.Errorf("deleting %s: %w", messageID, err)
	}

	return nil
}

// PendingCount returns the number of messages still awaiting an echo.
func (p *Pipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.pending)
}

// Reset forgets every pending entry and stops their timers. Called when
// the active conversation changes.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
	}

	p.pending = nil
}
