// Package security holds the symmetric ciphers used to keep call history
// encrypted at rest. Keys are provisioned from outside the process.
package security

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const KeySize = 32

var ErrDecrypt = errors.New("security: decrypt failed")

// Cipher seals and opens opaque blobs. aad is bound to the ciphertext, so a
// blob sealed for one owner cannot be opened under another.
type Cipher interface {
	Name() string
	Seal(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Open(ctx context.Context, sealed, aad []byte) ([]byte, error)
}

// ParseKey accepts a 32-byte key encoded as hex or standard base64.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("security: key is empty")
	}
	if b, err := hex.DecodeString(raw); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == KeySize {
		return b, nil
	}
	return nil, fmt.Errorf("security: key must be %d bytes encoded as hex or base64", KeySize)
}

func New(ctx context.Context, name string, key []byte, keyID string) (Cipher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CipherXChaCha:
		return NewXChaCha(key)
	case CipherKMS:
		return NewKMSWrapper(ctx, key, keyID)
	default:
		return nil, fmt.Errorf("security: unknown cipher %q", name)
	}
}
