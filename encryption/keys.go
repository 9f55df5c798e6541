package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/poiesic/neurosim/core"
)

// ErrKeyNotFound indicates a key source holds no key.
var ErrKeyNotFound = errors.New("encryption key not found")

// IsKeyNotFound reports whether err means the source had no key.
func IsKeyNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// KeySource resolves the encryption key. Implementations backed by a secret
// manager plug in here. ResolveKey returns ErrKeyNotFound when no key is configured.
type KeySource interface {
	ResolveKey(ctx context.Context) ([]byte, error)
}

// StaticKeySource holds a base64-encoded key, usually from configuration.
type StaticKeySource string

// ResolveKey decodes the key.
func (s StaticKeySource) ResolveKey(ctx context.Context) ([]byte, error) {
	encoded := strings.TrimSpace(string(s))
	if encoded == "" {
		return nil, ErrKeyNotFound
	}
	return DecodeKey(encoded)
}

// FileKeySource reads a base64-encoded key from a file such as a mounted secret.
type FileKeySource string

// ResolveKey reads and decodes the key file.
func (f FileKeySource) ResolveKey(ctx context.Context) ([]byte, error) {
	if f == "" {
		return nil, ErrKeyNotFound
	}
	data, err := os.ReadFile(string(f))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, string(f))
		}
		return nil, fmt.Errorf("%w: reading key file: %w", core.ErrConfiguration, err)
	}
	return StaticKeySource(data).ResolveKey(ctx)
}

// ChainKeySource tries each source in order and returns the first key found.
type ChainKeySource []KeySource

// ResolveKey returns the first key found, or the first error other than ErrKeyNotFound.
func (c ChainKeySource) ResolveKey(ctx context.Context) ([]byte, error) {
	for _, source := range c {
		key, err := source.ResolveKey(ctx)
		if err == nil {
			return key, nil
		}
		if !IsKeyNotFound(err) {
			return nil, err
		}
	}
	return nil, ErrKeyNotFound
}

// EncodeKey returns the configuration form of key.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey parses a base64 key (standard or URL alphabet) and checks its length.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.URLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: encryption key is not valid base64", core.ErrConfiguration)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: encryption key must decode to %d bytes, got %d", core.ErrConfiguration, KeySize, len(key))
	}
	return key, nil
}
