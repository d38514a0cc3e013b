// Package signing signs lifecycle event hashes.
package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	SignerID() string
}

type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	signerID   string
}

// NewEd25519SignerFromB64 accepts either a 32-byte seed or a 64-byte private key.
func NewEd25519SignerFromB64(b64Key, signerID string) (*Ed25519Signer, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		return nil, fmt.Errorf("decode signer private key: %w", err)
	}
	var key ed25519.PrivateKey
	switch len(keyBytes) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(keyBytes)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(keyBytes)
	default:
		return nil, fmt.Errorf("invalid ed25519 key length: got %d want %d or %d", len(keyBytes), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
	return &Ed25519Signer{privateKey: key, signerID: signerID}, nil
}

func (s *Ed25519Signer) Sign(_ context.Context, payload []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, payload), nil
}

func (s *Ed25519Signer) SignerID() string {
	return s.signerID
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.privateKey.Public().(ed25519.PublicKey)
}
