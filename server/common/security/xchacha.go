package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	CipherXChaCha = "xchacha"

	xchachaVersion = byte(1)
	hkdfInfoPrefix = "rtc-history-v1:"
)

// XChaCha derives one XChaCha20-Poly1305 key per aad value from the master
// key with HKDF-SHA256. Output layout: version(1) | nonce(24) | ciphertext.
type XChaCha struct {
	master []byte
}

func NewXChaCha(key []byte) (*XChaCha, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("security: xchacha key must be %d bytes", KeySize)
	}
	return &XChaCha{master: append([]byte(nil), key...)}, nil
}

func (c *XChaCha) Name() string { return CipherXChaCha }

func (c *XChaCha) derive(aad []byte) ([]byte, error) {
	info := append([]byte(hkdfInfoPrefix), aad...)
	sub := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.master, nil, info), sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *XChaCha) Seal(_ context.Context, plaintext, aad []byte) ([]byte, error) {
	sub, err := c.derive(aad)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(sub)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	out[0] = xchachaVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[1:], plaintext, aad), nil
}

func (c *XChaCha) Open(_ context.Context, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < 1+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: blob too short", ErrDecrypt)
	}
	if sealed[0] != xchachaVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrDecrypt, sealed[0])
	}
	sub, err := c.derive(aad)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(sub)
	if err != nil {
		return nil, err
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], aad)
	if err != nil {
		return nil, errors.Join(ErrDecrypt, err)
	}
	return plaintext, nil
}
