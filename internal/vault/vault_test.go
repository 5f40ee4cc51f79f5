package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, keySize)
	_, err := io.ReadFull(rand.Reader, key)
	require.NoError(t, err)
	return key
}

func TestVault_EncryptDecryptRoundTrip(t *testing.T) {
	v, err := New(randomKey(t), nil)
	require.NoError(t, err)

	blob, err := v.Encrypt("s3cr3t-password")
	require.NoError(t, err)
	assert.NotContains(t, blob, "s3cr3t-password")

	pt, err := v.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-password", pt)
}

func TestVault_RejectsWrongSizedKeys(t *testing.T) {
	_, err := New([]byte("too-short"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proxytypes.ErrInvalidConfig))
}

func TestVault_PreviousKeyStillDecryptsAfterRotation(t *testing.T) {
	oldKey := randomKey(t)
	vOld, err := New(oldKey, nil)
	require.NoError(t, err)
	blob, err := vOld.Encrypt("rotated-secret")
	require.NoError(t, err)

	newKey := randomKey(t)
	vNew, err := New(newKey, oldKey)
	require.NoError(t, err)

	pt, err := vNew.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "rotated-secret", pt)
}

func TestVault_DecryptFailsOnTamperedCiphertext(t *testing.T) {
	v, err := New(randomKey(t), nil)
	require.NoError(t, err)
	blob, err := v.Encrypt("tamper-me")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = v.Decrypt(tampered)
	assert.True(t, errors.Is(err, proxytypes.ErrDecryptionFailed))
}

func TestVault_DecryptFailsOnUnrelatedKey(t *testing.T) {
	v1, err := New(randomKey(t), nil)
	require.NoError(t, err)
	blob, err := v1.Encrypt("not-for-you")
	require.NoError(t, err)

	v2, err := New(randomKey(t), nil)
	require.NoError(t, err)
	_, err = v2.Decrypt(blob)
	assert.True(t, errors.Is(err, proxytypes.ErrDecryptionFailed))
}

func TestNewEphemeral_MarksEphemeralAndWorks(t *testing.T) {
	v, err := NewEphemeral()
	require.NoError(t, err)
	assert.True(t, v.Ephemeral())

	blob, err := v.Encrypt("x")
	require.NoError(t, err)
	pt, err := v.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "x", pt)
}

func TestNewFromEnv_FallsBackToEphemeralWhenUnset(t *testing.T) {
	getenv := func(string) string { return "" }
	v, err := NewFromEnv(getenv)
	require.NoError(t, err)
	assert.True(t, v.Ephemeral())
}

func TestNewFromEnv_DecodesBase64KeyFromEnv(t *testing.T) {
	key := randomKey(t)
	encoded := base64.StdEncoding.EncodeToString(key)
	getenv := func(name string) string {
		if name == EnvActiveKey {
			return encoded
		}
		return ""
	}
	v, err := NewFromEnv(getenv)
	require.NoError(t, err)
	assert.False(t, v.Ephemeral())
}

func TestNewFromEnv_RejectsInvalidBase64(t *testing.T) {
	getenv := func(name string) string {
		if name == EnvActiveKey {
			return "not-valid-base64!!"
		}
		return ""
	}
	_, err := NewFromEnv(getenv)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proxytypes.ErrInvalidConfig))
}
