package security

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
)

const CipherKMS = "aead"

// KMSWrapper seals with the go-kms-wrapping AEAD wrapper. The sealed form is
// the JSON encoding of the returned BlobInfo, so the key id travels with the
// record.
type KMSWrapper struct {
	wrapper *aead.Wrapper
}

func NewKMSWrapper(ctx context.Context, key []byte, keyID string) (*KMSWrapper, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("security: aead key must be %d bytes", KeySize)
	}
	if keyID == "" {
		keyID = "local"
	}
	w := aead.NewWrapper()
	_, err := w.SetConfig(ctx,
		wrapping.WithKeyId(keyID),
		wrapping.WithConfigMap(map[string]string{
			"key":    base64.StdEncoding.EncodeToString(key),
			"key_id": keyID,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("configure aead wrapper: %w", err)
	}
	return &KMSWrapper{wrapper: w}, nil
}

func (c *KMSWrapper) Name() string { return CipherKMS }

func (c *KMSWrapper) KeyID(ctx context.Context) (string, error) {
	return c.wrapper.KeyId(ctx)
}

func (c *KMSWrapper) Seal(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	blob, err := c.wrapper.Encrypt(ctx, plaintext, wrapping.WithAad(aad))
	if err != nil {
		return nil, err
	}
	return json.Marshal(blob)
}

func (c *KMSWrapper) Open(ctx context.Context, sealed, aad []byte) ([]byte, error) {
	var blob wrapping.BlobInfo
	if err := json.Unmarshal(sealed, &blob); err != nil {
		return nil, errors.Join(ErrDecrypt, err)
	}
	plaintext, err := c.wrapper.Decrypt(ctx, &blob, wrapping.WithAad(aad))
	if err != nil {
		return nil, errors.Join(ErrDecrypt, err)
	}
	return plaintext, nil
}
