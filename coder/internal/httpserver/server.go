package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ILLUVRSE/antigravity/coder/internal/audit"
	"github.com/ILLUVRSE/antigravity/coder/internal/config"
	"github.com/ILLUVRSE/antigravity/coder/internal/metrics"
	"github.com/ILLUVRSE/antigravity/coder/internal/models"
	"github.com/ILLUVRSE/antigravity/coder/internal/routing"
	"github.com/ILLUVRSE/antigravity/coder/internal/service"
	"github.com/ILLUVRSE/antigravity/coder/internal/store"
)

const maxBodyBytes = 1 << 20

// EventLog serves recently recorded lifecycle events.
type EventLog interface {
	Events(artifactID string) []audit.Event
}

type Server struct {
	cfg     config.Config
	service *service.Service
	events  EventLog
	log     *zap.Logger
	limiter *rate.Limiter
}

// New builds the API server. events may be nil, in which case the events
// endpoint returns an empty list.
func New(cfg config.Config, svc *service.Service, events EventLog, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfg: cfg, service: svc, events: events, log: log.Named("http")}
	if cfg.RateLimited() {
		burst := cfg.ExecBurst
		if burst <= 0 {
			burst = int(math.Max(1, math.Ceil(cfg.ExecRPS)))
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ExecRPS), burst)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/coder/artifacts", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Route("/{artifactID}", func(r chi.Router) {
			r.Get("/", s.handleState)
			r.Get("/history", s.handleHistory)
			r.Get("/versions/{versionID}", s.handleVersion)
			r.Get("/events", s.handleEvents)
			r.Post("/deploy", s.handleDeploy)
			r.Post("/phase", s.handlePhase)
			r.Post("/rollback", s.handleRollback)
			r.With(s.rateLimit).Post("/execute", s.handleExecute)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.service.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.service.Artifacts(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"artifacts": ids})
}

type stateResponse struct {
	ArtifactID     string    `json:"artifactId"`
	StableID       int64     `json:"stableId"`
	StableLabel    string    `json:"stableLabel"`
	CandidateID    *int64    `json:"candidateId"`
	CandidateLabel string    `json:"candidateLabel,omitempty"`
	PhasePercent   int       `json:"phasePercent"`
	Versions       int       `json:"versions"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func toStateResponse(st models.ArtifactState) stateResponse {
	resp := stateResponse{
		ArtifactID:   st.ArtifactID,
		StableID:     st.StableID,
		StableLabel:  models.Label(st.StableID),
		PhasePercent: st.PhasePercent,
		Versions:     len(st.History),
		UpdatedAt:    st.UpdatedAt,
	}
	if st.HasCandidate() {
		id := st.CandidateID
		resp.CandidateID = &id
		resp.CandidateLabel = models.Label(id)
	}
	return resp
}

func (s *Server) writeState(w http.ResponseWriter, r *http.Request, artifactID string) {
	st, err := s.service.State(r.Context(), artifactID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toStateResponse(st))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeState(w, r, chi.URLParam(r, "artifactID"))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	entries, err := s.service.History(r.Context(), artifactID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"artifactId": artifactID,
		"history":    entries,
	})
}

type versionResponse struct {
	ArtifactID string      `json:"artifactId"`
	VersionID  int64       `json:"versionId"`
	Label      string      `json:"label"`
	Role       models.Role `json:"role"`
	Checksum   string      `json:"checksum"`
	Source     string      `json:"source,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	versionID, err := strconv.ParseInt(chi.URLParam(r, "versionID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid version id")
		return
	}
	rec, role, err := s.service.Version(r.Context(), artifactID, versionID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, versionResponse{
		ArtifactID: artifactID,
		VersionID:  rec.ID,
		Label:      rec.Label(),
		Role:       role,
		Checksum:   rec.Checksum,
		Source:     rec.Source,
		CreatedAt:  rec.CreatedAt,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	events := []audit.Event{}
	if s.events != nil {
		events = append(events, s.events.Events(artifactID)...)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"artifactId": artifactID,
		"events":     events,
	})
}

type deployRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	var req deployRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.service.Deploy(r.Context(), artifactID, req.Source)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	role := models.RoleCandidate
	if rec.ID == 1 {
		role = models.RoleStable
	}
	respondJSON(w, http.StatusCreated, versionResponse{
		ArtifactID: artifactID,
		VersionID:  rec.ID,
		Label:      rec.Label(),
		Role:       role,
		Checksum:   rec.Checksum,
		CreatedAt:  rec.CreatedAt,
	})
}

type phaseRequest struct {
	Percent *int `json:"percent"`
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	var req phaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Percent == nil {
		respondError(w, http.StatusBadRequest, "percent required")
		return
	}
	if err := s.service.SetPhase(r.Context(), artifactID, *req.Percent); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.writeState(w, r, artifactID)
}

type rollbackRequest struct {
	VersionID *int64 `json:"versionId"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	var req rollbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.VersionID == nil {
		respondError(w, http.StatusBadRequest, "versionId required")
		return
	}
	if err := s.service.Rollback(r.Context(), artifactID, *req.VersionID); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.writeState(w, r, artifactID)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	exec, err := s.service.Execute(r.Context(), chi.URLParam(r, "artifactID"))
	if err != nil && !errors.Is(err, routing.ErrExecutionFailure) {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusTooManyRequests, "execute rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.RecordHTTPRequest(r.Method, route, status, elapsed)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("requestId", middleware.GetReqID(r.Context())))
	})
}

// statusFor maps store errors to HTTP codes. NotFound is checked first: an
// unknown rollback target matches both NotFound and InvalidInput.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("requestId", middleware.GetReqID(r.Context())),
			zap.Error(err))
		respondError(w, status, "internal error")
		return
	}
	respondError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
