package signing

import (
	"time"

	"github.com/ILLUVRSE/antigravity/coder/internal/config"
)

// NewSignerFromConfig prefers the KMS endpoint, then a local key. It returns
// a nil Signer when neither is configured; lifecycle events are then unsigned.
func NewSignerFromConfig(cfg config.Config) (Signer, error) {
	switch {
	case cfg.KMSEndpoint != "":
		s, err := NewKMSSigner(KMSSignerConfig{
			Endpoint: cfg.KMSEndpoint,
			KeyID:    cfg.SignerID,
			Timeout:  5 * time.Second,
			Retries:  2,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case cfg.SignerKeyB64 != "":
		s, err := NewEd25519SignerFromB64(cfg.SignerKeyB64, cfg.SignerID)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, nil
}
