package encryption

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/poiesic/neurosim/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	enc, err := NewEncryptor(GenerateKey())
	require.NoError(t, err)
	return enc
}

func TestRoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)

	for _, text := range []string{
		"",
		"I value honesty.",
		"Я веду дневник, чтобы понимать свои эмоции. 📓",
		strings.Repeat("long text ", 10000),
	} {
		blob, err := enc.Encrypt(text)
		require.NoError(t, err)
		assert.Len(t, blob.Nonce, 24)

		got, err := enc.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, text, got)
	}
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	enc := newTestEncryptor(t)

	a, err := enc.Encrypt("same text")
	require.NoError(t, err)
	b, err := enc.Encrypt("same text")
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestEncrypt_InvalidUTF8(t *testing.T) {
	enc := newTestEncryptor(t)
	_, err := enc.Encrypt(string([]byte{0xff, 0xfe}))
	assert.ErrorIs(t, err, core.ErrInput)
}

func TestDecrypt_Tampered(t *testing.T) {
	enc := newTestEncryptor(t)
	blob, err := enc.Encrypt("my private diary")
	require.NoError(t, err)

	for i := range blob.Ciphertext {
		tampered := &core.EncryptedBlob{
			Ciphertext: bytes.Clone(blob.Ciphertext),
			Nonce:      blob.Nonce,
		}
		tampered.Ciphertext[i] ^= 0x01
		_, err := enc.Decrypt(tampered)
		require.ErrorIs(t, err, core.ErrDecryption, "flipped byte %d", i)
	}

	badNonce := &core.EncryptedBlob{Ciphertext: blob.Ciphertext, Nonce: bytes.Clone(blob.Nonce)}
	badNonce.Nonce[0] ^= 0x80
	_, err = enc.Decrypt(badNonce)
	assert.ErrorIs(t, err, core.ErrDecryption)
}

func TestDecrypt_WrongKey(t *testing.T) {
	blob, err := newTestEncryptor(t).Encrypt("secret")
	require.NoError(t, err)

	_, err = newTestEncryptor(t).Decrypt(blob)
	assert.ErrorIs(t, err, core.ErrDecryption)
}

func TestDecrypt_Malformed(t *testing.T) {
	enc := newTestEncryptor(t)

	tests := []struct {
		name string
		blob *core.EncryptedBlob
	}{
		{"nil blob", nil},
		{"short nonce", &core.EncryptedBlob{Ciphertext: make([]byte, 32), Nonce: make([]byte, 12)}},
		{"short ciphertext", &core.EncryptedBlob{Ciphertext: make([]byte, 3), Nonce: make([]byte, 24)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Decrypt(tt.blob)
			assert.ErrorIs(t, err, core.ErrDecryption)
		})
	}
}

func TestNewEncryptor_BadKey(t *testing.T) {
	_, err := NewEncryptor([]byte("too short"))
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestDeriveKey(t *testing.T) {
	key := GenerateKey()
	a, err := NewEncryptor(key)
	require.NoError(t, err)
	b, err := NewEncryptor(key)
	require.NoError(t, err)

	assert.Len(t, a.DeriveKey("storage"), 32)
	assert.Equal(t, a.DeriveKey("storage"), b.DeriveKey("storage"))
	assert.NotEqual(t, a.DeriveKey("storage"), a.DeriveKey("other"))
	assert.NotEqual(t, key, a.DeriveKey("storage"))
}

func TestNewEncryptorFromSource(t *testing.T) {
	ctx := context.Background()
	encoded := EncodeKey(GenerateKey())

	t.Run("static key", func(t *testing.T) {
		enc, err := NewEncryptorFromSource(ctx, StaticKeySource(encoded), WithProduction(true))
		require.NoError(t, err)
		assert.False(t, enc.Ephemeral())
	})

	t.Run("production without key", func(t *testing.T) {
		_, err := NewEncryptorFromSource(ctx, ChainKeySource{StaticKeySource(""), FileKeySource("")}, WithProduction(true))
		assert.ErrorIs(t, err, core.ErrConfiguration)
	})

	t.Run("development without key", func(t *testing.T) {
		var logs bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&logs, nil))

		enc, err := NewEncryptorFromSource(ctx, StaticKeySource(""), WithLogger(logger))
		require.NoError(t, err)
		assert.True(t, enc.Ephemeral())
		assert.Contains(t, logs.String(), "ephemeral key")

		blob, err := enc.Encrypt("works anyway")
		require.NoError(t, err)
		got, err := enc.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, "works anyway", got)
	})

	t.Run("invalid key is not silently replaced", func(t *testing.T) {
		_, err := NewEncryptorFromSource(ctx, StaticKeySource("not base64!"))
		assert.ErrorIs(t, err, core.ErrConfiguration)
	})
}

func TestKeySources(t *testing.T) {
	ctx := context.Background()
	key := GenerateKey()
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(path, []byte(EncodeKey(key)+"\n"), 0600))

	got, err := FileKeySource(path).ResolveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = FileKeySource(filepath.Join(dir, "missing")).ResolveKey(ctx)
	assert.True(t, IsKeyNotFound(err))

	got, err = ChainKeySource{StaticKeySource(""), FileKeySource(path)}.ResolveKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = ChainKeySource{}.ResolveKey(ctx)
	assert.True(t, IsKeyNotFound(err))

	_, err = DecodeKey(EncodeKey([]byte("sixteen byte key")))
	assert.ErrorIs(t, err, core.ErrConfiguration)
}
