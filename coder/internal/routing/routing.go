// Package routing picks which version of an artifact serves an execution
// request and runs it through the sandbox.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/ILLUVRSE/antigravity/coder/internal/models"
)

var ErrExecutionFailure = errors.New("execution failure")

// Snapshotter is the read side of the version store.
type Snapshotter interface {
	Snapshot(ctx context.Context, artifactID string) (models.ArtifactState, error)
}

// Runner executes a version's source text.
type Runner interface {
	Run(ctx context.Context, source string) (string, error)
}

// Draw returns a uniformly distributed integer in [0,100).
type Draw func() int

func defaultDraw() int { return rand.Intn(100) }

type Result struct {
	ArtifactID string
	VersionID  int64
	Role       models.Role
	Output     string
	Err        error
}

// ExecutionError tags a sandbox failure with the version that produced it.
type ExecutionError struct {
	ArtifactID string
	VersionID  int64
	Role       models.Role
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.ArtifactID, models.Label(e.VersionID), e.Role, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecutionFailure, e.Err}
}

type Engine struct {
	store  Snapshotter
	runner Runner
	draw   Draw
}

type Option func(*Engine)

// WithDraw replaces the random source. Values outside [0,100) are clamped.
func WithDraw(d Draw) Option {
	return func(e *Engine) {
		if d != nil {
			e.draw = d
		}
	}
}

func New(store Snapshotter, runner Runner, opts ...Option) *Engine {
	e := &Engine{store: store, runner: runner, draw: defaultDraw}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Select decides stable vs candidate for one request. With no candidate the
// stable version always wins; otherwise the candidate wins iff draw < phase,
// so 0% never and 100% always routes to the candidate.
func (e *Engine) Select(state models.ArtifactState) (int64, models.Role) {
	if !state.HasCandidate() {
		return state.StableID, models.RoleStable
	}
	r := e.draw()
	if r < 0 {
		r = 0
	}
	if r > 99 {
		r = 99
	}
	if r < state.PhasePercent {
		return state.CandidateID, models.RoleCandidate
	}
	return state.StableID, models.RoleStable
}

// Execute snapshots the artifact, selects a version and runs it. Store errors
// are returned as-is with a zero Result. A sandbox failure returns a Result
// carrying the version metadata plus an *ExecutionError, both in Result.Err
// and as the returned error. State is never modified here.
func (e *Engine) Execute(ctx context.Context, artifactID string) (Result, error) {
	state, err := e.store.Snapshot(ctx, artifactID)
	if err != nil {
		return Result{}, err
	}
	id, role := e.Select(state)
	rec, ok := state.Version(id)
	if !ok {
		return Result{}, fmt.Errorf("artifact %q: selected version %d missing from snapshot", artifactID, id)
	}

	res := Result{ArtifactID: artifactID, VersionID: id, Role: role}
	out, err := e.runner.Run(ctx, rec.Source)
	if err != nil {
		res.Err = &ExecutionError{ArtifactID: artifactID, VersionID: id, Role: role, Err: err}
		return res, res.Err
	}
	res.Output = out
	return res, nil
}
