package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/antigravity/coder/internal/config"
)

func TestKMSSignerSign(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sign", r.URL.Path)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req struct {
			PayloadB64 string `json:"payload_b64"`
			KeyID      string `json:"key_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "coder-key", req.KeyID)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"signature_b64": base64.StdEncoding.EncodeToString([]byte("signed:" + req.PayloadB64)),
			"signer_id":     "kms-key-1",
		})
	}))
	defer srv.Close()

	signer, err := NewKMSSigner(KMSSignerConfig{Endpoint: srv.URL + "/", KeyID: "coder-key", Timeout: time.Second, Retries: 1})
	require.NoError(t, err)
	assert.Equal(t, "coder-key", signer.SignerID())

	payload := []byte("event-hash")
	sig, err := signer.Sign(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "signed:"+base64.StdEncoding.EncodeToString(payload), string(sig))
	assert.Equal(t, "kms-key-1", signer.SignerID())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestKMSSignerRejectedIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	signer, err := NewKMSSigner(KMSSignerConfig{Endpoint: srv.URL, Retries: 3})
	require.NoError(t, err)
	_, err = signer.Sign(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errKMSRejected)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = NewKMSSigner(KMSSignerConfig{})
	assert.Error(t, err)
}

func TestEd25519Signer(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	s, err := NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString(seed), "local")
	require.NoError(t, err)
	assert.Equal(t, "local", s.SignerID())

	sig, err := s.Sign(context.Background(), []byte("hash"))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(s.PublicKey(), []byte("hash"), sig))

	full := ed25519.NewKeyFromSeed(seed)
	s2, err := NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString(full), "local")
	require.NoError(t, err)
	assert.Equal(t, s.PublicKey(), s2.PublicKey())

	_, err = NewEd25519SignerFromB64("not base64!", "x")
	assert.Error(t, err)
	_, err = NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString([]byte("short")), "x")
	assert.Error(t, err)
}

func TestNewSignerFromConfig(t *testing.T) {
	s, err := NewSignerFromConfig(config.Config{})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = NewSignerFromConfig(config.Config{KMSEndpoint: "http://kms", SignerID: "k"})
	require.NoError(t, err)
	assert.IsType(t, &KMSSigner{}, s)

	key := base64.StdEncoding.EncodeToString(make([]byte, ed25519.SeedSize))
	s, err = NewSignerFromConfig(config.Config{SignerKeyB64: key, SignerID: "local"})
	require.NoError(t, err)
	assert.Equal(t, "local", s.SignerID())

	_, err = NewSignerFromConfig(config.Config{SignerKeyB64: "%%%"})
	assert.Error(t, err)
}
