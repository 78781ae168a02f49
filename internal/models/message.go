// Package models holds the JSON payloads exchanged with the relay, both
// over the WebSocket and over the HTTP API.
package models

import "time"

// Message types understood by the relay.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeAudio    = "audio"
	TypeVideo    = "video"
	TypeDocument = "document"
	TypeCallLog  = "call"
)

// Message is a chat message as stored and relayed by the server. When
// Nonce is set, Ciphertext carries the NaCl box output and Content is
// empty on the wire; after local decryption Content holds the plaintext.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	RecipientID    string     `json:"recipientId,omitempty"`
	Type           string     `json:"type"`
	Content        string     `json:"content"`
	Ciphertext     string     `json:"ciphertext,omitempty"`
	Nonce          string     `json:"nonce,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`

	// Local-only state, never serialised.
	LocalID       string `json:"-"`
	Temporary     bool   `json:"-"`
	Undecryptable bool   `json:"-"`
}

// Encrypted reports whether the message was sent as a sealed box.
func (m Message) Encrypted() bool {
	return m.Nonce != ""
}

// Key returns the identifier used for deduplication in the timeline:
// the relay id, or the local id for optimistic entries.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}

	return m.LocalID
}

// PeerID returns the other party of a direct message from self's point
// of view.
func (m Message) PeerID(self string) string {
	if m.SenderID == self {
		return m.RecipientID
	}

	return m.SenderID
}
