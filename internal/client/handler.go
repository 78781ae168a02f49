package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chatcore/internal/call"
	"github.com/alexjbarnes/chatcore/internal/chat"
	"github.com/alexjbarnes/chatcore/internal/models"
	"github.com/alexjbarnes/chatcore/internal/relay"
)

// HandleFrame routes one inbound relay frame. It is installed as the
// relay's FrameHandler and runs on the dispatch goroutine, so frames are
// handled in arrival order.
func (c *Client) HandleFrame(ctx context.Context, f relay.Frame) {
	switch f.Type {
	case relay.FrameNewMessage:
		var msg models.Message
		if c.decode(f, &msg) {
			c.handleNewMessage(msg)
		}

	case relay.FrameMessageEdited:
		var msg models.Message
		if c.decode(f, &msg) {
			c.handleEdited(msg)
		}

	case relay.FrameMessageDeleted:
		var del models.DeleteMessage
		if c.decode(f, &del) {
			c.handleDeleted(del)
		}

	case relay.FrameTyping:
		var t models.Typing
		if c.decode(f, &t) && t.UserID != c.cfg.SelfID {
			c.emit(Event{Kind: EventTyping, ConversationID: t.ConversationID, Typing: t})
		}

	case relay.FramePresence:
		var p models.Presence
		if c.decode(f, &p) {
			c.presenceMu.Lock()
			c.presence[p.UserID] = p
			c.presenceMu.Unlock()

			c.emit(Event{Kind: EventPresence, Presence: p})
		}

	case relay.FramePeerPublicKey:
		var pk models.PublicKey
		if c.decode(f, &pk) {
			c.handlePeerKey(pk)
		}

	case relay.FrameSyncResponse:
		var resp models.SyncResponse
		if c.decode(f, &resp) {
			added := c.syncer.HandleResponse(resp)
			c.emit(Event{Kind: EventSynced, ConversationID: c.timeline.ConversationID(), Count: added})
		}

	case relay.FrameRateLimit:
		var rl models.RateLimit
		if c.decode(f, &rl) {
			c.rateLimited(rl)
		}

	case relay.FrameCallOffer, relay.FrameCallAnswer, relay.FrameCallICE, relay.FrameCallReject, relay.FrameCallEnd:
		var sig models.CallSignal
		if c.decode(f, &sig) {
			c.handleCallSignal(ctx, f.Type, sig)
		}

	default:
		c.logger.Debug("unhandled frame", slog.String("type", f.Type))
	}
}

func (c *Client) decode(f relay.Frame, v interface{}) bool {
	if err := f.Decode(v); err != nil {
		c.logger.Warn("dropping malformed frame", slog.String("type", f.Type), slog.String("error", err.Error()))
		return false
	}

	return true
}

func (c *Client) handleNewMessage(msg models.Message) {
	msg = c.opener.Open(msg)
	c.pipeline.Receive(msg)

	c.emit(Event{Kind: EventMessage, ConversationID: msg.ConversationID, Message: msg})
}

func (c *Client) handleEdited(msg models.Message) {
	msg = c.opener.Open(msg)

	if msg.ConversationID != c.timeline.ConversationID() {
		return
	}

	var summary string

	if prev, ok := c.timeline.Get(msg.ID); ok {
		summary = chat.SummarizeEdit(prev.Content, msg.Content).String()
		c.logger.Debug("message edited", slog.String("id", msg.ID), slog.String("change", summary))
	}

	c.timeline.Upsert(msg)
	c.emit(Event{Kind: EventMessageEdited, ConversationID: msg.ConversationID, Message: msg, EditSummary: summary})
}

func (c *Client) handleDeleted(del models.DeleteMessage) {
	if del.ConversationID != "" && del.ConversationID != c.timeline.ConversationID() {
		return
	}

	if c.timeline.Remove(del.ID) {
		c.emit(Event{Kind: EventMessageDeleted, ConversationID: del.ConversationID, MessageID: del.ID})
	}
}

func (c *Client) handlePeerKey(pk models.PublicKey) {
	if pk.UserID == "" || pk.UserID == c.cfg.SelfID {
		return
	}

	if err := c.keys.ObservePeerKey(pk.UserID, pk.PublicKey); err != nil {
		c.logger.Warn("ignoring peer key", slog.String("user", pk.UserID), slog.String("error", err.Error()))
		return
	}

	c.logger.Debug("peer key observed", slog.String("user", pk.UserID))
}

func (c *Client) handleCallSignal(ctx context.Context, frameType string, sig models.CallSignal) {
	m := c.Call(call.Kind(sig.CallType))
	if m == nil {
		c.logger.Warn("call signal with unknown type", slog.String("frame", frameType), slog.String("callType", sig.CallType))
		return
	}

	switch frameType {
	case relay.FrameCallOffer:
		m.HandleOffer(ctx, sig)
	case relay.FrameCallAnswer:
		m.HandleAnswer(ctx, sig)
	case relay.FrameCallICE:
		m.HandleICE(sig)
	case relay.FrameCallReject:
		m.HandleReject(sig)
	case relay.FrameCallEnd:
		m.HandleEnd(sig)
	}
}

// rateLimited records a throttle notice and arms a timer that clears it.
// A newer notice replaces the older timer.
func (c *Client) rateLimited(rl models.RateLimit) {
	retry := time.Duration(rl.RetryAfter) * time.Second
	if retry <= 0 {
		retry = defaultRetryAfter
	}

	c.rlMu.Lock()
	if c.rlTimer != nil {
		c.rlTimer.Stop()
	}

	c.rlGen++
	gen := c.rlGen
	c.rlUntil = c.now().Add(retry)
	c.rlTimer = time.AfterFunc(retry, func() { c.clearRateLimit(gen) })
	c.rlMu.Unlock()

	c.logger.Warn("rate limited by relay", slog.Duration("retry_after", retry), slog.String("message", rl.Message))
	c.emit(Event{Kind: EventRateLimited, RetryAfter: retry, Reason: rl.Message})
}

func (c *Client) clearRateLimit(gen int) {
	c.rlMu.Lock()
	if gen != c.rlGen {
		c.rlMu.Unlock()
		return
	}

	c.rlUntil = time.Time{}
	c.rlMu.Unlock()

	c.emit(Event{Kind: EventRateLimitCleared})
}
