package state

import (
	"crypto/rand"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/chatcore/internal/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/nacl/box"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testKeyPair(t *testing.T) keyring.KeyPair {
	t.Helper()
	pub, sec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return keyring.KeyPair{PublicKey: *pub, SecretKey: *sec}
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.Equal(t, stateFilePerm, info.Mode().Perm())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetToken("persist-me"))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, "persist-me", s2.Token())
}

// --- Token ---

func TestToken_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	assert.Equal(t, "", s.Token())
}

func TestSetToken_Overwrite(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken("old"))
	require.NoError(t, s.SetToken("new"))
	assert.Equal(t, "new", s.Token())
}

// --- KeyPair ---

func TestLoadKeyPair_NoneStored(t *testing.T) {
	s := testDB(t)
	kp, err := s.LoadKeyPair()
	require.NoError(t, err)
	assert.Nil(t, kp)
}

func TestSaveKeyPair_RoundTrip(t *testing.T) {
	s := testDB(t)
	want := testKeyPair(t)

	require.NoError(t, s.SaveKeyPair(want))

	got, err := s.LoadKeyPair()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
}

func TestSaveKeyPair_RefusesOverwrite(t *testing.T) {
	s := testDB(t)
	first := testKeyPair(t)
	require.NoError(t, s.SaveKeyPair(first))

	err := s.SaveKeyPair(testKeyPair(t))
	require.Error(t, err)

	got, err := s.LoadKeyPair()
	require.NoError(t, err)
	assert.Equal(t, first, *got)
}

func TestLoadKeyPair_Corrupt(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(deviceBucket).Put(keyPairKey, []byte("{not json"))
	}))

	_, err := s.LoadKeyPair()
	assert.Error(t, err)
}

func TestKeyring_PersistsThroughState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	logger := slog.New(slog.DiscardHandler)

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	kp1, err := keyring.New(s1, logger).KeyPair()
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	kp2, err := keyring.New(s2, logger).KeyPair()
	require.NoError(t, err)

	assert.Equal(t, kp1, kp2, "key pair must survive a restart")
}

// --- Peer keys ---

func TestPeerKeys_RoundTrip(t *testing.T) {
	s := testDB(t)
	bob := testKeyPair(t).PublicKey
	carol := testKeyPair(t).PublicKey

	require.NoError(t, s.SavePeerKey("bob", bob))
	require.NoError(t, s.SavePeerKey("carol", carol))

	keys, err := s.PeerKeys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Equal(t, bob, keys["bob"])
	assert.Equal(t, carol, keys["carol"])
}

func TestPeerKeys_SkipsCorrupt(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SavePeerKey("bob", testKeyPair(t).PublicKey))
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peerKeysBucket).Put([]byte("mallory"), []byte("garbage"))
	}))

	keys, err := s.PeerKeys()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Contains(t, keys, "bob")
}
