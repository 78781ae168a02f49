package relay

import (
	"encoding/json"
	"fmt"
)

// Inbound frame types.
const (
	FrameAuthOK         = "auth-ok"
	FrameAuthError      = "auth-error"
	FramePong           = "pong"
	FrameNewMessage     = "new-message"
	FrameMessageEdited  = "message-edited"
	FrameMessageDeleted = "message-deleted"
	FramePresence       = "presence"
	FramePeerPublicKey  = "public-key"
	FrameSyncResponse   = "sync-response"
	FrameRateLimit      = "rate-limit"
	FrameCallOffer      = "call-offer"
	FrameCallAnswer     = "call-answer"
	FrameCallICE        = "call-ice-candidate"
	FrameCallReject     = "call-reject"
	FrameCallEnd        = "call-end"
	FrameTyping         = "typing"
)

// Outbound frame types. Call frames and typing share their names with
// the inbound direction.
const (
	FrameAuth             = "auth"
	FramePing             = "ping"
	FrameSendMessage      = "send-message"
	FrameEditMessage      = "edit-message"
	FrameDeleteMessage    = "delete-message"
	FramePublishPublicKey = "publish-public-key"
	FrameSyncRequest      = "sync-request"
)

// Frame is one JSON text message on the relay socket:
// {"type": "...", "data": {...}}.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Type)
	}

	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decoding %s frame: %w", f.Type, err)
	}

	return nil
}

// encodeFrame marshals a frame with the given payload. A nil payload
// produces a frame without data.
func encodeFrame(typ string, payload interface{}) ([]byte, error) {
	f := Frame{Type: typ}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s payload: %w", typ, err)
		}

		f.Data = data
	}

	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s frame: %w", typ, err)
	}

	return data, nil
}
