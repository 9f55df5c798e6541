// Package encryption provides authenticated symmetric encryption of user text
// before it is persisted anywhere.
package encryption

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/go-crypt/x/blake2b"
	"github.com/poiesic/neurosim/core"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of an encryption key in bytes.
const KeySize = chacha20poly1305.KeySize

// Encryptor seals text with XChaCha20-Poly1305 under a single key.
// Every call draws a fresh random 24-byte nonce. Safe for concurrent use.
type Encryptor struct {
	aead      cipher.AEAD
	key       []byte
	ephemeral bool
}

// NewEncryptor creates an Encryptor from a 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes, got %d", core.ErrConfiguration, KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}
	return &Encryptor{
		aead: aead,
		key:  append([]byte(nil), key...),
	}, nil
}

// Option configures NewEncryptorFromSource.
type Option func(*options) error

type options struct {
	production bool
	logger     *slog.Logger
}

// WithProduction makes a missing key fatal instead of falling back to an ephemeral key.
func WithProduction(production bool) Option {
	return func(o *options) error {
		o.production = production
		return nil
	}
}

// WithLogger sets the logger used for the ephemeral key warning.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

// NewEncryptorFromSource resolves the key from source. When no key is found,
// production mode fails with core.ErrConfiguration while development mode
// generates an ephemeral key and logs a warning.
func NewEncryptorFromSource(ctx context.Context, source KeySource, opts ...Option) (*Encryptor, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	key, err := source.ResolveKey(ctx)
	if err == nil {
		return NewEncryptor(key)
	}
	if !IsKeyNotFound(err) {
		return nil, err
	}
	if o.production {
		return nil, fmt.Errorf("%w: no encryption key configured", core.ErrConfiguration)
	}

	o.logger.Warn("no encryption key configured; using an ephemeral key. Data encrypted now cannot be decrypted after restart",
		"component", "encryption")
	enc, err := NewEncryptor(GenerateKey())
	if err != nil {
		return nil, err
	}
	enc.ephemeral = true
	return enc, nil
}

// Ephemeral reports whether the key was generated for this process only.
func (e *Encryptor) Ephemeral() bool {
	return e.ephemeral
}

// Encrypt seals plaintext, which must be valid UTF-8.
func (e *Encryptor) Encrypt(plaintext string) (*core.EncryptedBlob, error) {
	if !utf8.ValidString(plaintext) {
		return nil, fmt.Errorf("%w: plaintext is not valid UTF-8", core.ErrInput)
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return &core.EncryptedBlob{
		Ciphertext: e.aead.Seal(nil, nonce, []byte(plaintext), nil),
		Nonce:      nonce,
	}, nil
}

// Decrypt opens blob. Tampering, a wrong key or a malformed blob all yield core.ErrDecryption.
func (e *Encryptor) Decrypt(blob *core.EncryptedBlob) (string, error) {
	if blob == nil || len(blob.Nonce) != e.aead.NonceSize() {
		return "", fmt.Errorf("%w: malformed blob", core.ErrDecryption)
	}
	if len(blob.Ciphertext) < e.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", core.ErrDecryption)
	}
	plaintext, err := e.aead.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", core.ErrDecryption)
	}
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", core.ErrDecryption)
	}
	return string(plaintext), nil
}

// DeriveKey derives a 32-byte sub-key for purpose with keyed BLAKE2b-256.
// The same key and purpose always yield the same sub-key.
func (e *Encryptor) DeriveKey(purpose string) []byte {
	h, err := blake2b.New(32, e.key)
	if err != nil {
		// Only reachable with a key longer than 64 bytes.
		panic(err)
	}
	h.Write([]byte(purpose))
	return h.Sum(nil)
}

// GenerateKey returns a new random key.
func GenerateKey() []byte {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return key
}
