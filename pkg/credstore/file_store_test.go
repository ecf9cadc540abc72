package credstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, key, iv string) *FileStore {
	t.Helper()

	cipher, err := NewAesCbc(AesCbcConfig{
		Key: []byte(key),
		IV:  []byte(iv),
	})
	require.NoError(t, err)

	return NewFileStore(FileStoreConfig{
		CredentialFile: filepath.Join(t.TempDir(), "turn.cred"),
	}, cipher)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	store := newTestStore(t, "AES-128-key-1234", "IV-1234567890123")

	require.NoError(t, store.Save("relay-user", "relay-secret"))

	username, credential, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "relay-user", username)
	assert.Equal(t, "relay-secret", credential)
}

func TestSavedFileIsNotPlaintext(t *testing.T) {
	store := newTestStore(t, "AES-128-key-1234", "IV-1234567890123")

	require.NoError(t, store.Save("relay-user", "relay-secret"))

	raw, err := os.ReadFile(store.cfg.CredentialFile)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "relay-user")
	assert.NotContains(t, string(raw), "relay-secret")
}

func TestLoadWithWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turn.cred")

	writer, err := NewAesCbc(AesCbcConfig{
		Key: []byte("AES-128-key-1234"),
		IV:  []byte("IV-1234567890123"),
	})
	require.NoError(t, err)
	require.NoError(t, NewFileStore(FileStoreConfig{CredentialFile: path}, writer).Save("u", "c"))

	reader, err := NewAesCbc(AesCbcConfig{
		Key: []byte("AES-128-key-9999"),
		IV:  []byte("IV-1234567890123"),
	})
	require.NoError(t, err)

	username, _, err := NewFileStore(FileStoreConfig{CredentialFile: path}, reader).Load()
	if err == nil {
		assert.NotEqual(t, "u", username, "wrong key must not recover the credentials")
	}
}

func TestLoadMissingFile(t *testing.T) {
	store := newTestStore(t, "AES-128-key-1234", "IV-1234567890123")

	_, _, err := store.Load()
	assert.Error(t, err)
}

func TestNewAesCbcRejectsBadKey(t *testing.T) {
	_, err := NewAesCbc(AesCbcConfig{Key: []byte("short")})
	assert.Error(t, err)
}
