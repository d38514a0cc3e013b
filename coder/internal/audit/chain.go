package audit

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ILLUVRSE/antigravity/coder/internal/signing"
)

// Chain seals events in the order it sees them: each hash is
// sha256(prevHash || canonical(unsealed event)).
type Chain struct {
	mu       sync.Mutex
	prevHash string
	signer   signing.Signer
}

// NewChain returns a chain that signs hashes with signer. A nil signer leaves
// events unsigned.
func NewChain(signer signing.Signer) *Chain {
	return &Chain{signer: signer}
}

func (c *Chain) Seal(ctx context.Context, ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev.PrevHash = c.prevHash
	body, err := marshalCanonical(ev.unsealed())
	if err != nil {
		return fmt.Errorf("canonicalize event %s: %w", ev.ID, err)
	}
	h := sha256.New()
	h.Write([]byte(ev.PrevHash))
	h.Write(body)
	sum := h.Sum(nil)
	ev.Hash = hex.EncodeToString(sum)

	if c.signer != nil {
		sig, err := c.signer.Sign(ctx, sum)
		if err != nil {
			return fmt.Errorf("sign event %s: %w", ev.ID, err)
		}
		ev.Signature = base64.StdEncoding.EncodeToString(sig)
		ev.SignerID = c.signer.SignerID()
	}
	c.prevHash = ev.Hash
	return nil
}

// Head is the hash of the last sealed event.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prevHash
}

// VerifyChain recomputes hashes over events in order and reports the first
// break.
func VerifyChain(events []Event) error {
	prev := ""
	if len(events) > 0 {
		prev = events[0].PrevHash
	}
	for i := range events {
		ev := events[i]
		if ev.PrevHash != prev {
			return fmt.Errorf("event %s: prevHash mismatch", ev.ID)
		}
		body, err := marshalCanonical(ev.unsealed())
		if err != nil {
			return err
		}
		sum := sha256.Sum256(append([]byte(ev.PrevHash), body...))
		if hex.EncodeToString(sum[:]) != ev.Hash {
			return fmt.Errorf("event %s: hash mismatch", ev.ID)
		}
		prev = ev.Hash
	}
	return nil
}
