package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "a-very-secret-key")

	plaintext := []byte(`{"version":1,"serial":2}`)
	encrypted, err := EncryptState(plaintext)
	require.NoError(t, err)

	assert.True(t, IsEncrypted(encrypted))
	assert.NotEqual(t, plaintext, encrypted)

	decrypted, err := DecryptState(encrypted)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptState_NoKeyPassthrough(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")

	plaintext := []byte(`{"version":1}`)
	out, err := EncryptState(plaintext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
	assert.False(t, IsEncrypted(out))
}

func TestDecryptState_PlaintextPassthrough(t *testing.T) {
	plaintext := []byte(`{"version":1}`)
	out, err := DecryptState(plaintext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestDecryptState_WrongKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "key-one")
	encrypted, err := EncryptState([]byte(`{"version":1}`))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "key-two")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong key")
}

func TestDecryptState_MissingKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "key-one")
	encrypted, err := EncryptState([]byte(`{"version":1}`))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EncryptionKeyEnvVar)
}

func TestEncryptState_UniqueNonce(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "a-very-secret-key")

	a, err := EncryptState([]byte("same content"))
	require.NoError(t, err)
	b, err := EncryptState([]byte("same content"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each encryption uses a fresh nonce")
}
