package vault

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := ParseMasterKey(testKeyHex)
	require.NoError(t, err)
	v, err := New(key)
	require.NoError(t, err)
	return v
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	for _, plaintext := range []string{"a", "my-api-key", "s3cr3t/with:colons", "пароль", strings.Repeat("x", 4096)} {
		envelope, err := v.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Len(t, strings.Split(envelope, ":"), 3)

		got, err := v.Decrypt(envelope)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt("same")
	require.NoError(t, err)
	b, err := v.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, strings.Split(a, ":")[0], strings.Split(b, ":")[0])
}

func TestEncrypt_Empty(t *testing.T) {
	_, err := newTestVault(t).Encrypt("")
	assert.ErrorIs(t, err, ErrEmptyPlaintext)
}

func TestDecrypt_FlippedCiphertextByte(t *testing.T) {
	v := newTestVault(t)
	envelope, err := v.Encrypt("secret-key")
	require.NoError(t, err)

	parts := strings.Split(envelope, ":")
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	ct[0] ^= 0x01
	parts[2] = base64.StdEncoding.EncodeToString(ct)

	_, err = v.Decrypt(strings.Join(parts, ":"))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecrypt_FlippedTag(t *testing.T) {
	v := newTestVault(t)
	envelope, err := v.Encrypt("secret-key")
	require.NoError(t, err)

	parts := strings.Split(envelope, ":")
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	tag[len(tag)-1] ^= 0x80
	parts[1] = base64.StdEncoding.EncodeToString(tag)

	_, err = v.Decrypt(strings.Join(parts, ":"))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecrypt_WrongKey(t *testing.T) {
	envelope, err := newTestVault(t).Encrypt("secret-key")
	require.NoError(t, err)

	other, err := New([]byte(strings.Repeat("k", KeySize)))
	require.NoError(t, err)

	_, err = other.Decrypt(envelope)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecrypt_Malformed(t *testing.T) {
	v := newTestVault(t)
	nonce := base64.StdEncoding.EncodeToString(make([]byte, 12))
	tag := base64.StdEncoding.EncodeToString(make([]byte, 16))

	tests := []string{
		"",
		"onlyone",
		"a:b",
		"a:b:c:d",
		"::",
		nonce + "::abcd",
		nonce + ":" + tag + ":",
		"!!!:" + tag + ":abcd",
		base64.StdEncoding.EncodeToString(make([]byte, 8)) + ":" + tag + ":abcd",
		nonce + ":" + base64.StdEncoding.EncodeToString(make([]byte, 4)) + ":abcd",
		nonce + ":" + tag + ":***",
	}
	for _, envelope := range tests {
		_, err := v.Decrypt(envelope)
		assert.ErrorIs(t, err, ErrInvalidCiphertext, "envelope %q", envelope)
	}
}

func TestParseMasterKey(t *testing.T) {
	key, err := ParseMasterKey(strings.ToUpper(testKeyHex))
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	for _, bad := range []string{"", "abcd", testKeyHex[:63], testKeyHex + "00", strings.Repeat("zz", 32)} {
		_, err := ParseMasterKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", bad)
	}
}

func TestNew_KeySize(t *testing.T) {
	_, err := New(make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
