package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/chatcore/internal/keyring"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chatcore/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	// The file holds the device secret key.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	tokenKey       = []byte("token")
	deviceBucket   = []byte("device")
	keyPairKey     = []byte("keypair")
	peerKeysBucket = []byte("peer_keys")
)

// storedKeyPair is the on-disk form of the device key pair.
type storedKeyPair struct {
	PublicKey string    `json:"public_key"`
	SecretKey string    `json:"secret_key"`
	CreatedAt time.Time `json:"created_at"`
}

// storedPeerKey is the on-disk form of a cached peer public key.
type storedPeerKey struct {
	PublicKey string    `json:"public_key"`
	SeenAt    time.Time `json:"seen_at"`
}

// State wraps a bbolt database for all persistent client state: the
// last accepted credential, the device key pair and the peer key cache.
type State struct {
	db *bolt.DB
}

var (
	_ keyring.KeyStore     = (*State)(nil)
	_ keyring.PeerKeyStore = (*State)(nil)
)

// Load opens the state database at ~/.chatcore/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(DefaultPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, deviceBucket, peerKeysBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the last credential the relay accepted, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(tokenKey); v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the credential.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// LoadKeyPair returns the stored device key pair, or nil if none has
// been created on this device yet.
func (s *State) LoadKeyPair() (*keyring.KeyPair, error) {
	var kp *keyring.KeyPair

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(deviceBucket).Get(keyPairKey)
		if v == nil {
			return nil
		}

		var stored storedKeyPair
		if err := json.Unmarshal(v, &stored); err != nil {
			return fmt.Errorf("decoding key pair: %w", err)
		}

		pub, err := keyring.DecodeKey(stored.PublicKey)
		if err != nil {
			return fmt.Errorf("decoding public key: %w", err)
		}

		sec, err := keyring.DecodeKey(stored.SecretKey)
		if err != nil {
			return fmt.Errorf("decoding secret key: %w", err)
		}

		kp = &keyring.KeyPair{PublicKey: pub, SecretKey: sec}

		return nil
	})

	return kp, err
}

// SaveKeyPair persists the device key pair. Refuses to overwrite an
// existing pair since keys are never rotated automatically.
func (s *State) SaveKeyPair(kp keyring.KeyPair) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(deviceBucket)
		if b.Get(keyPairKey) != nil {
			return fmt.Errorf("device key pair already exists")
		}

		data, err := json.Marshal(storedKeyPair{
			PublicKey: keyring.EncodeKey(kp.PublicKey),
			SecretKey: keyring.EncodeKey(kp.SecretKey),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		return b.Put(keyPairKey, data)
	})
}

// SavePeerKey records the latest public key seen for userID.
func (s *State) SavePeerKey(userID string, key [keyring.KeySize]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(storedPeerKey{
			PublicKey: keyring.EncodeKey(key),
			SeenAt:    time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		return tx.Bucket(peerKeysBucket).Put([]byte(userID), data)
	})
}

// PeerKeys returns every cached peer key. Entries that fail to decode
// are skipped; the peer will re-announce on its next connect.
func (s *State) PeerKeys() (map[string][keyring.KeySize]byte, error) {
	result := make(map[string][keyring.KeySize]byte)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(peerKeysBucket).ForEach(func(k, v []byte) error {
			var stored storedPeerKey
			if err := json.Unmarshal(v, &stored); err != nil {
				return nil //nolint:nilerr // skip corrupt entry
			}

			key, err := keyring.DecodeKey(stored.PublicKey)
			if err != nil {
				return nil //nolint:nilerr // skip corrupt entry
			}

			result[string(k)] = key

			return nil
		})
	})

	return result, err
}

// DefaultPath returns ~/.chatcore/state.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".chatcore", "state.db")
	}

	return filepath.Join(home, ".chatcore", "state.db")
}
