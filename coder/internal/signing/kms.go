package signing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

type KMSSignerConfig struct {
	Endpoint string
	// KeyID selects the remote key; the service picks its default when empty.
	KeyID      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Retries    int
}

// KMSSigner asks a remote signing service to sign lifecycle event hashes:
//
//	POST <endpoint>/sign {"payload_b64": "...", "key_id": "..."}
//	  -> {"signature_b64": "...", "signer_id": "..."}
type KMSSigner struct {
	endpoint string
	keyID    string
	client   *http.Client
	timeout  time.Duration
	retries  int

	mu       sync.RWMutex
	signerID string
}

var errKMSRejected = errors.New("kms signer rejected request")

func NewKMSSigner(cfg KMSSignerConfig) (*KMSSigner, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("kms endpoint required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KMSSigner{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		keyID:    cfg.KeyID,
		client:   client,
		timeout:  timeout,
		retries:  max(cfg.Retries, 0),
		signerID: cfg.KeyID,
	}, nil
}

func (k *KMSSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"payload_b64": base64.StdEncoding.EncodeToString(payload),
		"key_id":      k.keyID,
	})
	if err != nil {
		return nil, fmt.Errorf("kms marshal request: %w", err)
	}

	var lastErr error
	for i := 0; i <= k.retries; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sig, err := k.signOnce(ctx, body)
		if err == nil {
			return sig, nil
		}
		if errors.Is(err, errKMSRejected) {
			return nil, err
		}
		lastErr = err
		if i < k.retries {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("kms sign failed: %w", lastErr)
}

func (k *KMSSigner) signOnce(ctx context.Context, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kms request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("kms signer unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", errKMSRejected, resp.Status)
	}
	var out struct {
		SignatureB64 string `json:"signature_b64"`
		SignerID     string `json:"signer_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("kms decode response: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(out.SignatureB64)
	if err != nil {
		return nil, fmt.Errorf("kms decode signature: %w", err)
	}
	if out.SignerID != "" {
		k.mu.Lock()
		k.signerID = out.SignerID
		k.mu.Unlock()
	}
	return sig, nil
}

func (k *KMSSigner) SignerID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.signerID
}
