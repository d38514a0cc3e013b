// Package service ties the version store, the routing engine and the
// lifecycle event stream together behind the operations the API exposes.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/antigravity/coder/internal/audit"
	"github.com/ILLUVRSE/antigravity/coder/internal/metrics"
	"github.com/ILLUVRSE/antigravity/coder/internal/models"
	"github.com/ILLUVRSE/antigravity/coder/internal/routing"
	"github.com/ILLUVRSE/antigravity/coder/internal/store"
)

// Publisher accepts lifecycle events without blocking.
type Publisher interface {
	Publish(ev audit.Event) bool
}

type discard struct{}

func (discard) Publish(audit.Event) bool { return true }

type Service struct {
	store     store.Store
	engine    *routing.Engine
	events    Publisher
	log       *zap.Logger
	tracer    trace.Tracer
	routeOpts []routing.Option
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithRoutingOptions(opts ...routing.Option) Option {
	return func(s *Service) { s.routeOpts = append(s.routeOpts, opts...) }
}

func New(st store.Store, runner routing.Runner, opts ...Option) *Service {
	s := &Service{
		store:  st,
		events: discard{},
		log:    zap.NewNop(),
		tracer: otel.Tracer("coder/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("coder.service")
	s.engine = routing.New(st, runner, s.routeOpts...)
	return s
}

func (s *Service) Deploy(ctx context.Context, artifactID, source string) (models.VersionRecord, error) {
	rec, err := s.store.Deploy(ctx, artifactID, source)
	metrics.RecordLifecycle("deploy", err)
	if err != nil {
		return models.VersionRecord{}, err
	}
	role := models.RoleCandidate
	if rec.ID == 1 {
		role = models.RoleStable
	}
	s.emit(audit.EventVersionDeployed, artifactID, map[string]interface{}{
		"versionId": rec.ID,
		"label":     rec.Label(),
		"checksum":  rec.Checksum,
		"role":      string(role),
	})
	s.log.Info("version deployed",
		zap.String("artifactId", artifactID),
		zap.String("version", rec.Label()),
		zap.String("role", string(role)))
	return rec, nil
}

func (s *Service) SetPhase(ctx context.Context, artifactID string, percent int) error {
	err := s.store.SetPhase(ctx, artifactID, percent)
	metrics.RecordLifecycle("phase", err)
	if err != nil {
		return err
	}
	s.emit(audit.EventPhaseChanged, artifactID, map[string]interface{}{"percent": percent})
	s.log.Info("phase changed", zap.String("artifactId", artifactID), zap.Int("percent", percent))
	return nil
}

func (s *Service) Rollback(ctx context.Context, artifactID string, versionID int64) error {
	err := s.store.Rollback(ctx, artifactID, versionID)
	metrics.RecordLifecycle("rollback", err)
	if err != nil {
		return err
	}
	s.emit(audit.EventVersionRolledBack, artifactID, map[string]interface{}{
		"versionId": versionID,
		"label":     models.Label(versionID),
	})
	s.log.Info("rolled back", zap.String("artifactId", artifactID), zap.String("version", models.Label(versionID)))
	return nil
}

// Execution is the outcome of one execute request. Error is set when the
// selected version failed in the sandbox.
type Execution struct {
	ExecutionID string      `json:"executionId"`
	ArtifactID  string      `json:"artifactId"`
	VersionID   int64       `json:"versionId"`
	Label       string      `json:"label"`
	Role        models.Role `json:"role"`
	Output      string      `json:"output"`
	Error       string      `json:"error,omitempty"`
	DurationMs  int64       `json:"durationMs"`
}

// Execute routes one request. A sandbox failure returns the populated
// Execution together with an error matching routing.ErrExecutionFailure.
func (s *Service) Execute(ctx context.Context, artifactID string) (Execution, error) {
	execID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "coder.Execute", trace.WithAttributes(
		attribute.String("artifact_id", artifactID),
		attribute.String("execution_id", execID),
	))
	defer span.End()

	start := time.Now()
	res, err := s.engine.Execute(ctx, artifactID)
	elapsed := time.Since(start)
	if err != nil && !errors.Is(err, routing.ErrExecutionFailure) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Execution{}, err
	}

	exec := Execution{
		ExecutionID: execID,
		ArtifactID:  artifactID,
		VersionID:   res.VersionID,
		Label:       models.Label(res.VersionID),
		Role:        res.Role,
		Output:      res.Output,
		DurationMs:  elapsed.Milliseconds(),
	}
	span.SetAttributes(
		attribute.Int64("version_id", res.VersionID),
		attribute.String("role", string(res.Role)),
	)
	metrics.RecordExecution(artifactID, string(res.Role), err != nil, elapsed)

	if err != nil {
		var execErr *routing.ExecutionError
		if errors.As(err, &execErr) {
			exec.Error = execErr.Err.Error()
		} else {
			exec.Error = err.Error()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		s.log.Warn("execution failed",
			zap.String("executionId", execID),
			zap.String("artifactId", artifactID),
			zap.String("version", exec.Label),
			zap.String("role", string(exec.Role)),
			zap.Error(err))
		return exec, err
	}
	s.log.Debug("executed",
		zap.String("executionId", execID),
		zap.String("artifactId", artifactID),
		zap.String("version", exec.Label),
		zap.String("role", string(exec.Role)),
		zap.Duration("elapsed", elapsed))
	return exec, nil
}

func (s *Service) State(ctx context.Context, artifactID string) (models.ArtifactState, error) {
	return s.store.Snapshot(ctx, artifactID)
}

func (s *Service) History(ctx context.Context, artifactID string) ([]models.HistoryEntry, error) {
	state, err := s.store.Snapshot(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	return state.Entries(), nil
}

// Version returns one record including its source, with its current role.
func (s *Service) Version(ctx context.Context, artifactID string, versionID int64) (models.VersionRecord, models.Role, error) {
	state, err := s.store.Snapshot(ctx, artifactID)
	if err != nil {
		return models.VersionRecord{}, "", err
	}
	rec, ok := state.Version(versionID)
	if !ok {
		return models.VersionRecord{}, "", fmt.Errorf("artifact %q version %d: %w", artifactID, versionID, store.ErrNotFound)
	}
	return rec, state.RoleOf(versionID), nil
}

func (s *Service) Artifacts(ctx context.Context) ([]string, error) {
	return s.store.ListArtifacts(ctx)
}

// Seed deploys source as the first version of artifactID unless the artifact
// already has history. It reports whether a deploy happened.
func (s *Service) Seed(ctx context.Context, artifactID, source string) (bool, error) {
	_, err := s.store.Snapshot(ctx, artifactID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if _, err := s.Deploy(ctx, artifactID, source); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) emit(t audit.EventType, artifactID string, payload map[string]interface{}) {
	if !s.events.Publish(audit.NewEvent(t, artifactID, payload)) {
		s.log.Warn("lifecycle event dropped", zap.String("artifactId", artifactID), zap.String("eventType", string(t)))
	}
}
