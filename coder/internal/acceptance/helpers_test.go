package acceptance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ILLUVRSE/antigravity/coder/internal/audit"
	"github.com/ILLUVRSE/antigravity/coder/internal/config"
	"github.com/ILLUVRSE/antigravity/coder/internal/httpserver"
	"github.com/ILLUVRSE/antigravity/coder/internal/sandbox"
	"github.com/ILLUVRSE/antigravity/coder/internal/service"
	"github.com/ILLUVRSE/antigravity/coder/internal/store"
)

func helloSource(label string) string {
	return fmt.Sprintf("package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"Hello World from %s\")\n}\n", label)
}

type harness struct {
	router http.Handler
	recent *audit.Recent
	stop   func()
}

// newHarness wires the real yaegi sandbox, memory store and event streamer
// behind the HTTP router.
func newHarness(t *testing.T) *harness {
	t.Helper()
	recent := audit.NewRecent(100)
	streamer := audit.NewStreamer(audit.NewChain(nil), []audit.Sink{recent}, audit.StreamerConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = streamer.Run(ctx)
	}()

	runner := sandbox.WithTimeout(sandbox.NewYaegiRunner(sandbox.YaegiConfig{}), defaultExecTimeout)
	svc := service.New(store.NewMemoryStore(), runner, service.WithPublisher(streamer))
	h := &harness{
		router: httpserver.New(config.Defaults(), svc, recent, nil).Router(),
		recent: recent,
		stop: func() {
			cancel()
			<-done
		},
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) call(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if out != nil {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return rec.Code
}

type execResult struct {
	VersionID int64  `json:"versionId"`
	Label     string `json:"label"`
	Role      string `json:"role"`
	Output    string `json:"output"`
	Error     string `json:"error"`
}

type stateResult struct {
	StableID     int64  `json:"stableId"`
	CandidateID  *int64 `json:"candidateId"`
	PhasePercent int    `json:"phasePercent"`
}
