package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chatcore/internal/keyring"
	"github.com/alexjbarnes/chatcore/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	alice = "alice"
	bob   = "bob"
	carol = "carol"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// sentFrame is one frame captured by fakeTransport, re-encoded as JSON
// so assertions can peek at fields with gjson.
type sentFrame struct {
	Type string
	Data []byte
}

func (f sentFrame) get(path string) gjson.Result {
	return gjson.GetBytes(f.Data, path)
}

type fakeTransport struct {
	mu     sync.Mutex
	frames []sentFrame
	err    error
	onSend func(frameType string)
}

func (f *fakeTransport) Send(_ context.Context, frameType string, payload interface{}) error {
	if f.onSend != nil {
		f.onSend(frameType)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	f.frames = append(f.frames, sentFrame{Type: frameType, Data: data})

	return nil
}

func (f *fakeTransport) sent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]sentFrame(nil), f.frames...)
}

type fakeFallback struct {
	mu     sync.Mutex
	calls  []models.SendMessage
	stored *models.Message
	err    error
}

func (f *fakeFallback) SendMessage(_ context.Context, msg models.SendMessage) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, msg)

	if f.err != nil {
		return nil, f.err
	}

	if f.stored == nil {
		return &models.Message{}, nil
	}

	stored := *f.stored
	stored.Nonce = msg.Nonce
	stored.Ciphertext = msg.Ciphertext
	stored.Content = msg.Content

	return &stored, nil
}

var errSocketDown = errors.New("socket write failed")

// keyrings returns two device keyrings that have observed each other's
// public keys.
func keyrings(t *testing.T) (aliceKR, bobKR *keyring.Keyring) {
	t.Helper()

	aliceKR = keyring.New(nil, quietLogger)
	bobKR = keyring.New(nil, quietLogger)

	alicePub, err := aliceKR.PublicKey()
	require.NoError(t, err)
	bobPub, err := bobKR.PublicKey()
	require.NoError(t, err)

	require.NoError(t, aliceKR.ObservePeerKey(bob, bobPub))
	require.NoError(t, bobKR.ObservePeerKey(alice, alicePub))

	return aliceKR, bobKR
}

// sealed returns a relay message from sender to recipient with content
// sealed by senderKR.
func sealed(t *testing.T, senderKR *keyring.Keyring, id, conv, sender, recipient, content string, ts time.Time) models.Message {
	t.Helper()

	key, ok := senderKR.PeerKey(recipient)
	require.True(t, ok)

	box, err := senderKR.Encrypt([]byte(content), key)
	require.NoError(t, err)

	return models.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		RecipientID:    recipient,
		Type:           models.TypeText,
		Ciphertext:     base64.StdEncoding.EncodeToString(box.Ciphertext),
		Nonce:          keyring.EncodeNonce(box.Nonce),
		Timestamp:      ts,
	}
}

func plain(id, conv, sender, content string, ts time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Type:           models.TypeText,
		Content:        content,
		Timestamp:      ts,
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key()
	}

	return out
}
