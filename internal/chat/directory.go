package chat

import "sync"

// Conversation identifies a direct conversation and the other party.
type Conversation struct {
	ID     string
	PeerID string
}

// Directory reports which conversation is active right now. The sync
// protocol consults it when a response arrives, not when the request
// was sent.
type Directory interface {
	Active() Conversation
}

// ActiveConversation is the in-memory Directory used by the client.
type ActiveConversation struct {
	mu   sync.RWMutex
	conv Conversation
}

// Active returns the active conversation.
func (a *ActiveConversation) Active() Conversation {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.conv
}

// Set switches the active conversation and returns the previous one.
func (a *ActiveConversation) Set(conv Conversation) Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.conv
	a.conv = conv

	return prev
}
