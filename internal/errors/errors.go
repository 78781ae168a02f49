package errors

import "errors"

// Session errors.
var (
	ErrAuthRejected       = errors.New("relay rejected credential")
	ErrCredentialExpired  = errors.New("credential expired")
	ErrNotConnected       = errors.New("relay not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Messaging errors.
var (
	ErrDecryption       = errors.New("decryption failed")
	ErrSendFailed       = errors.New("message could not be sent, retry")
	ErrSendInFlight     = errors.New("previous send still in flight")
	ErrPlaintextBlocked = errors.New("no public key for recipient, refusing plaintext send")
	ErrUnknownMessage   = errors.New("message not in timeline")
)

// Call signaling errors.
var (
	ErrMediaDenied       = errors.New("media permission denied")
	ErrCallBusy          = errors.New("call already in progress")
	ErrInvalidTransition = errors.New("invalid call state transition")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
