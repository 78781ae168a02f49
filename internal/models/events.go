package models

// SendMessage is the payload of a send-message frame and of the HTTP
// fallback request.
type SendMessage struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	Ciphertext     string `json:"ciphertext,omitempty"`
	Nonce          string `json:"nonce,omitempty"`
}

// EditMessage is the payload of an edit-message frame.
type EditMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content,omitempty"`
	Ciphertext     string `json:"ciphertext,omitempty"`
	Nonce          string `json:"nonce,omitempty"`
}

// DeleteMessage is the payload of delete-message (outbound) and
// message-deleted (inbound) frames.
type DeleteMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
}

// Typing is the payload of typing frames in both directions.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	Typing         bool   `json:"typing"`
}

// Presence is the payload of a presence frame.
type Presence struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// PublicKey announces a device public key, base64 encoded.
type PublicKey struct {
	UserID    string `json:"userId,omitempty"`
	PublicKey string `json:"publicKey"`
}

// SyncRequest asks the relay for messages newer than LastMessageID.
type SyncRequest struct {
	ConversationID string `json:"conversationId"`
	LastMessageID  string `json:"lastMessageId"`
}

// SyncResponse carries the messages a client missed while offline.
type SyncResponse struct {
	Messages []Message `json:"messages"`
	Count    int       `json:"count"`
}

// CallSignal is the payload of every call-* frame. Only the fields
// relevant to the frame type are set.
type CallSignal struct {
	From      string        `json:"from,omitempty"`
	To        string        `json:"to,omitempty"`
	CallType  string        `json:"callType"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// RateLimit is sent by the relay when the client exceeds its quota.
// RetryAfter is in seconds.
type RateLimit struct {
	RetryAfter int    `json:"retryAfter"`
	Message    string `json:"message,omitempty"`
}

// AuthResult is the relay's reply to the auth frame.
type AuthResult struct {
	UserID  string `json:"userId,omitempty"`
	Message string `json:"message,omitempty"`
}
