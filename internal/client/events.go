package client

import (
	"fmt"
	"time"

	"github.com/alexjbarnes/chatcore/internal/models"
	"github.com/alexjbarnes/chatcore/internal/relay"
)

// EventKind identifies a client Event.
type EventKind int

const (
	// EventMessage carries a new or updated message.
	EventMessage EventKind = iota + 1
	// EventMessageEdited carries the edited message and a change summary.
	EventMessageEdited
	// EventMessageDeleted carries the id of a removed message.
	EventMessageDeleted
	EventTyping
	EventPresence
	// EventRateLimited reports that the relay is throttling this client.
	EventRateLimited
	// EventRateLimitCleared fires when the throttle delay has passed.
	EventRateLimitCleared
	EventConnection
	// EventSynced reports how many missed messages a sync round added.
	EventSynced
	EventHistoryLoaded
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventMessageEdited:
		return "message_edited"
	case EventMessageDeleted:
		return "message_deleted"
	case EventTyping:
		return "typing"
	case EventPresence:
		return "presence"
	case EventRateLimited:
		return "rate_limited"
	case EventRateLimitCleared:
		return "rate_limit_cleared"
	case EventConnection:
		return "connection"
	case EventSynced:
		return "synced"
	case EventHistoryLoaded:
		return "history_loaded"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered to client subscribers. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind           EventKind
	ConversationID string
	Message        models.Message
	MessageID      string
	EditSummary    string
	Typing         models.Typing
	Presence       models.Presence
	RetryAfter     time.Duration
	Reason         string
	Connection     relay.ConnectionEvent
	Count          int
}
