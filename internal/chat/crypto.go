package chat

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	apperrors "github.com/alexjbarnes/chatcore/internal/errors"
	"github.com/alexjbarnes/chatcore/internal/keyring"
	"github.com/alexjbarnes/chatcore/internal/models"
	"golang.org/x/text/unicode/norm"
)

// Sealer is the slice of the keyring used by the chat components.
// *keyring.Keyring satisfies it.
type Sealer interface {
	PeerKey(userID string) ([keyring.KeySize]byte, bool)
	Encrypt(plaintext []byte, peerPublicKey [keyring.KeySize]byte) (keyring.Sealed, error)
	Decrypt(ciphertext []byte, nonce [keyring.NonceSize]byte, peerPublicKey [keyring.KeySize]byte) ([]byte, error)
}

// Opener decrypts inbound messages. A message that cannot be opened is
// returned flagged Undecryptable with its ciphertext intact, never
// dropped and never with garbage plaintext.
type Opener struct {
	selfID string
	sealer Sealer
	logger *slog.Logger
}

// NewOpener returns an Opener for the local user selfID.
func NewOpener(selfID string, sealer Sealer, logger *slog.Logger) *Opener {
	return &Opener{selfID: selfID, sealer: sealer, logger: logger}
}

// Open returns msg with Content holding the plaintext. Unencrypted
// messages pass through unchanged.
func (o *Opener) Open(msg models.Message) models.Message {
	if !msg.Encrypted() {
		return msg
	}

	plain, err := o.decrypt(msg)
	if err != nil {
		o.logger.Warn("message could not be decrypted",
			slog.String("message_id", msg.ID),
			slog.String("sender_id", msg.SenderID),
			slog.String("error", err.Error()),
		)

		msg.Content = ""
		msg.Undecryptable = true

		return msg
	}

	msg.Content = string(plain)
	msg.Undecryptable = false

	return msg
}

func (o *Opener) decrypt(msg models.Message) ([]byte, error) {
	peer := msg.PeerID(o.selfID)

	key, ok := o.sealer.PeerKey(peer)
	if !ok {
		return nil, fmt.Errorf("%w: no public key cached for %s", apperrors.ErrDecryption, peer)
	}

	nonce, err := keyring.DecodeNonce(msg.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrDecryption, err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext encoding: %w", apperrors.ErrDecryption, err)
	}

	return o.sealer.Decrypt(ciphertext, nonce, key)
}

// seal encrypts content for recipientID. ok is false when no key is
// cached for the recipient.
func seal(sealer Sealer, recipientID, content string) (ciphertext, nonce string, ok bool, err error) {
	key, found := sealer.PeerKey(recipientID)
	if !found {
		return "", "", false, nil
	}

	sealed, err := sealer.Encrypt([]byte(content), key)
	if err != nil {
		return "", "", false, fmt.Errorf("encrypting message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(sealed.Ciphertext), keyring.EncodeNonce(sealed.Nonce), true, nil
}

// Normalize returns content in Unicode NFC form. Outbound content and
// dedup comparisons both go through it so a composed and a decomposed
// rendering of the same text compare equal.
func Normalize(content string) string {
	return norm.NFC.String(content)
}
