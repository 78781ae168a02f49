// Package keyring owns the device key pair and the cache of peer public
// keys, and seals/opens message payloads with NaCl box (X25519,
// XSalsa20, Poly1305).
package keyring

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/chatcore/internal/errors"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of X25519 public and secret keys.
	KeySize = 32

	// NonceSize is the length of a NaCl box nonce. 192 bits is large
	// enough that random nonces never repeat in practice.
	NonceSize = 24

	// publishRetryDelay is how long PublishPublicKey waits before trying
	// again when no connection exists yet.
	publishRetryDelay = time.Second
)

// KeyPair is the device-scoped key material. It is created once and
// never mutated afterwards.
type KeyPair struct {
	PublicKey [KeySize]byte
	SecretKey [KeySize]byte
}

// Sealed is the output of Encrypt.
type Sealed struct {
	Ciphertext []byte
	Nonce      [NonceSize]byte
}

// KeyStore persists the device key pair. LoadKeyPair returns nil, nil
// when no key pair has been stored yet.
type KeyStore interface {
	LoadKeyPair() (*KeyPair, error)
	SaveKeyPair(kp KeyPair) error
}

// PeerKeyStore is optionally implemented by a KeyStore to persist the
// peer key cache across restarts.
type PeerKeyStore interface {
	SavePeerKey(userID string, key [KeySize]byte) error
	PeerKeys() (map[string][KeySize]byte, error)
}

// Publisher announces the device public key over the relay connection.
type Publisher interface {
	Connected() bool
	PublishPublicKey(ctx context.Context, encodedKey string) error
}

// Keyring is safe for concurrent use. The key pair is immutable after
// creation and the peer cache is append/overwrite only.
type Keyring struct {
	store  KeyStore
	peers  PeerKeyStore
	logger *slog.Logger
	rand   io.Reader

	kpMu sync.Mutex
	kp   *KeyPair

	peerMu   sync.RWMutex
	peerKeys map[string][KeySize]byte

	pubMu      sync.Mutex
	publisher  Publisher
	retry      *time.Timer
	retryDelay time.Duration
	closed     bool
}

// New creates a Keyring. If store also implements PeerKeyStore, peer
// keys are persisted as they are observed.
func New(store KeyStore, logger *slog.Logger) *Keyring {
	k := &Keyring{
		store:      store,
		logger:     logger,
		rand:       rand.Reader,
		peerKeys:   make(map[string][KeySize]byte),
		retryDelay: publishRetryDelay,
	}

	if ps, ok := store.(PeerKeyStore); ok {
		k.peers = ps
	}

	return k
}

// SetPublisher attaches the transport used by PublishPublicKey.
func (k *Keyring) SetPublisher(p Publisher) {
	k.pubMu.Lock()
	k.publisher = p
	k.pubMu.Unlock()
}

// KeyPair returns the device key pair, generating and persisting it on
// first use.
func (k *Keyring) KeyPair() (KeyPair, error) {
	k.kpMu.Lock()
	defer k.kpMu.Unlock()

	if k.kp != nil {
		return *k.kp, nil
	}

	if k.store != nil {
		stored, err := k.store.LoadKeyPair()
		if err != nil {
			return KeyPair{}, fmt.Errorf("loading key pair: %w", err)
		}

		if stored != nil {
			k.kp = stored
			return *k.kp, nil
		}
	}

	pub, sec, err := box.GenerateKey(k.rand)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating key pair: %w", err)
	}

	kp := KeyPair{PublicKey: *pub, SecretKey: *sec}

	if k.store != nil {
		if err := k.store.SaveKeyPair(kp); err != nil {
			return KeyPair{}, fmt.Errorf("saving key pair: %w", err)
		}
	}

	k.logger.Info("generated device key pair", slog.String("public_key", EncodeKey(kp.PublicKey)))
	k.kp = &kp

	return kp, nil
}

// PublicKey returns the base64 device public key.
func (k *Keyring) PublicKey() (string, error) {
	kp, err := k.KeyPair()
	if err != nil {
		return "", err
	}

	return EncodeKey(kp.PublicKey), nil
}

// PublishPublicKey announces the device public key. When the publisher
// reports no connection the announcement is retried every second until
// it goes through or Close is called.
func (k *Keyring) PublishPublicKey(ctx context.Context) error {
	encoded, err := k.PublicKey()
	if err != nil {
		return err
	}

	k.pubMu.Lock()
	p := k.publisher
	closed := k.closed
	k.pubMu.Unlock()

	if closed {
		return nil
	}

	if p == nil || !p.Connected() {
		k.scheduleRetry()
		return nil
	}

	if err := p.PublishPublicKey(ctx, encoded); err != nil {
		if errors.Is(err, apperrors.ErrNotConnected) {
			k.scheduleRetry()
			return nil
		}

		return fmt.Errorf("publishing public key: %w", err)
	}

	k.logger.Debug("public key published")

	return nil
}

func (k *Keyring) scheduleRetry() {
	k.pubMu.Lock()
	defer k.pubMu.Unlock()

	if k.closed || k.retry != nil {
		return
	}

	k.logger.Debug("no connection, deferring public key announcement", slog.Duration("delay", k.retryDelay))

	k.retry = time.AfterFunc(k.retryDelay, func() {
		k.pubMu.Lock()
		k.retry = nil
		k.pubMu.Unlock()

		if err := k.PublishPublicKey(context.Background()); err != nil {
			k.logger.Warn("deferred public key announcement failed", slog.String("error", err.Error()))
		}
	})
}

// Close cancels any pending announcement retry.
func (k *Keyring) Close() {
	k.pubMu.Lock()
	defer k.pubMu.Unlock()

	k.closed = true

	if k.retry != nil {
		k.retry.Stop()
		k.retry = nil
	}
}

// ObservePeerKey records the public key announced by userID. A later
// announcement replaces the earlier one.
func (k *Keyring) ObservePeerKey(userID, encoded string) error {
	key, err := DecodeKey(encoded)
	if err != nil {
		return fmt.Errorf("peer key for %s: %w", userID, err)
	}

	k.peerMu.Lock()
	prev, had := k.peerKeys[userID]
	k.peerKeys[userID] = key
	k.peerMu.Unlock()

	if had && prev == key {
		return nil
	}

	k.logger.Debug("cached peer public key", slog.String("user_id", userID), slog.Bool("replaced", had))

	if k.peers != nil {
		if err := k.peers.SavePeerKey(userID, key); err != nil {
			k.logger.Warn("failed to persist peer key",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// PeerKey returns the cached public key for userID.
func (k *Keyring) PeerKey(userID string) ([KeySize]byte, bool) {
	k.peerMu.RLock()
	key, ok := k.peerKeys[userID]
	k.peerMu.RUnlock()

	return key, ok
}

// LoadPeerKeys warms the cache from the persistent store, if any.
func (k *Keyring) LoadPeerKeys() error {
	if k.peers == nil {
		return nil
	}

	keys, err := k.peers.PeerKeys()
	if err != nil {
		return fmt.Errorf("loading peer keys: %w", err)
	}

	k.peerMu.Lock()
	for id, key := range keys {
		if _, ok := k.peerKeys[id]; !ok {
			k.peerKeys[id] = key
		}
	}
	k.peerMu.Unlock()

	k.logger.Debug("peer keys loaded", slog.Int("count", len(keys)))

	return nil
}

// Encrypt seals plaintext for the holder of peerPublicKey with a fresh
// random nonce.
func (k *Keyring) Encrypt(plaintext []byte, peerPublicKey [KeySize]byte) (Sealed, error) {
	kp, err := k.KeyPair()
	if err != nil {
		return Sealed{}, err
	}

	var sealed Sealed
	if _, err := io.ReadFull(k.rand, sealed.Nonce[:]); err != nil {
		return Sealed{}, fmt.Errorf("generating nonce: %w", err)
	}

	sealed.Ciphertext = box.Seal(nil, plaintext, &sealed.Nonce, &peerPublicKey, &kp.SecretKey)

	return sealed, nil
}

// Decrypt opens a box produced by the holder of peerPublicKey (or by
// this device for that peer). Tampered input and key mismatches fail
// with ErrDecryption.
func (k *Keyring) Decrypt(ciphertext []byte, nonce [NonceSize]byte, peerPublicKey [KeySize]byte) ([]byte, error) {
	kp, err := k.KeyPair()
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < box.Overhead {
		return nil, fmt.Errorf("%w: ciphertext shorter than box overhead", apperrors.ErrDecryption)
	}

	plain, ok := box.Open(nil, ciphertext, &nonce, &peerPublicKey, &kp.SecretKey)
	if !ok {
		return nil, apperrors.ErrDecryption
	}

	return plain, nil
}

// EncodeKey returns the standard base64 form of a key.
func EncodeKey(key [KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DecodeKey parses a base64 key, rejecting anything that is not exactly
// KeySize bytes.
func DecodeKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("decoding key: %w", err)
	}

	if len(raw) != KeySize {
		return key, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}

	copy(key[:], raw)

	return key, nil
}

// EncodeNonce returns the standard base64 form of a nonce.
func EncodeNonce(nonce [NonceSize]byte) string {
	return base64.StdEncoding.EncodeToString(nonce[:])
}

// DecodeNonce parses a base64 nonce.
func DecodeNonce(s string) ([NonceSize]byte, error) {
	var nonce [NonceSize]byte

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nonce, fmt.Errorf("decoding nonce: %w", err)
	}

	if len(raw) != NonceSize {
		return nonce, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(raw))
	}

	copy(nonce[:], raw)

	return nonce, nil
}
