package routing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/antigravity/coder/internal/models"
	"github.com/ILLUVRSE/antigravity/coder/internal/store"
)

// echoRunner returns the source text as output.
type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, source string) (string, error) {
	return source, nil
}

type failingRunner struct{ err error }

func (f failingRunner) Run(ctx context.Context, source string) (string, error) {
	return "", f.err
}

func deployTwo(t *testing.T, phase int) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.Deploy(ctx, "demo", "stable-src")
	require.NoError(t, err)
	_, err = st.Deploy(ctx, "demo", "candidate-src")
	require.NoError(t, err)
	require.NoError(t, st.SetPhase(ctx, "demo", phase))
	return st
}

func countCandidate(t *testing.T, e *Engine, n int) int {
	t.Helper()
	hits := 0
	for i := 0; i < n; i++ {
		res, err := e.Execute(context.Background(), "demo")
		require.NoError(t, err)
		if res.Role == models.RoleCandidate {
			assert.Equal(t, int64(2), res.VersionID)
			assert.Equal(t, "candidate-src", res.Output)
			hits++
		} else {
			assert.Equal(t, int64(1), res.VersionID)
			assert.Equal(t, "stable-src", res.Output)
		}
	}
	return hits
}

func TestExecuteZeroPercentNeverSelectsCandidate(t *testing.T) {
	e := New(deployTwo(t, 0), echoRunner{})
	assert.Equal(t, 0, countCandidate(t, e, 10000))
}

func TestExecuteHundredPercentNeverSelectsStable(t *testing.T) {
	e := New(deployTwo(t, 100), echoRunner{})
	assert.Equal(t, 10000, countCandidate(t, e, 10000))
}

func TestExecuteFiftyPercentWithinTolerance(t *testing.T) {
	e := New(deployTwo(t, 50), echoRunner{})
	hits := countCandidate(t, e, 10000)
	assert.GreaterOrEqual(t, hits, 4500)
	assert.LessOrEqual(t, hits, 5500)
}

func TestSelectBoundaries(t *testing.T) {
	state := models.ArtifactState{
		History:     []models.VersionRecord{{ID: 1}, {ID: 2}},
		StableID:    1,
		CandidateID: 2,
	}
	cases := []struct {
		phase int
		draw  int
		want  models.Role
	}{
		{phase: 0, draw: 0, want: models.RoleStable},
		{phase: 1, draw: 0, want: models.RoleCandidate},
		{phase: 30, draw: 29, want: models.RoleCandidate},
		{phase: 30, draw: 30, want: models.RoleStable},
		{phase: 100, draw: 99, want: models.RoleCandidate},
		{phase: 100, draw: 250, want: models.RoleCandidate},
		{phase: 0, draw: -5, want: models.RoleStable},
	}
	for _, tc := range cases {
		draw := tc.draw
		e := New(nil, nil, WithDraw(func() int { return draw }))
		state.PhasePercent = tc.phase
		_, role := e.Select(state)
		assert.Equal(t, tc.want, role, "phase=%d draw=%d", tc.phase, tc.draw)
	}
}

func TestSelectWithoutCandidateIgnoresDraw(t *testing.T) {
	called := false
	e := New(nil, nil, WithDraw(func() int { called = true; return 0 }))
	id, role := e.Select(models.ArtifactState{History: []models.VersionRecord{{ID: 1}}, StableID: 1})
	assert.Equal(t, int64(1), id)
	assert.Equal(t, models.RoleStable, role)
	assert.False(t, called)
}

func TestExecuteFailureIsTaggedAndLeavesStateAlone(t *testing.T) {
	st := deployTwo(t, 100)
	before, _ := st.Snapshot(context.Background(), "demo")
	boom := errors.New("SyntaxError: boom")
	e := New(st, failingRunner{err: boom})

	res, err := e.Execute(context.Background(), "demo")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailure)
	assert.ErrorIs(t, err, boom)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, int64(2), execErr.VersionID)
	assert.Equal(t, models.RoleCandidate, execErr.Role)
	assert.Equal(t, int64(2), res.VersionID)
	assert.Equal(t, err, res.Err)

	after, _ := st.Snapshot(context.Background(), "demo")
	assert.Equal(t, before, after)
}

func TestExecuteUnknownArtifact(t *testing.T) {
	e := New(store.NewMemoryStore(), echoRunner{})
	_, err := e.Execute(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScenarioDeployPhaseRollback(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := New(st, echoRunner{})

	v1, err := st.Deploy(ctx, "demo", "v1")
	require.NoError(t, err)
	snap, _ := st.Snapshot(ctx, "demo")
	assert.Equal(t, v1.ID, snap.StableID)
	assert.False(t, snap.HasCandidate())

	v2, err := st.Deploy(ctx, "demo", "v2")
	require.NoError(t, err)
	snap, _ = st.Snapshot(ctx, "demo")
	assert.Equal(t, v2.ID, snap.CandidateID)
	assert.Equal(t, 0, snap.PhasePercent)

	require.NoError(t, st.SetPhase(ctx, "demo", 30))
	snap, _ = st.Snapshot(ctx, "demo")
	assert.Equal(t, 30, snap.PhasePercent)

	toV2 := 0
	for i := 0; i < 1000; i++ {
		res, err := e.Execute(ctx, "demo")
		require.NoError(t, err)
		if res.VersionID == v2.ID {
			toV2++
		}
	}
	assert.InDelta(t, 300, toV2, 75)

	require.NoError(t, st.Rollback(ctx, "demo", v1.ID))
	snap, _ = st.Snapshot(ctx, "demo")
	assert.Equal(t, v1.ID, snap.StableID)
	assert.False(t, snap.HasCandidate())
	assert.Equal(t, 0, snap.PhasePercent)

	for i := 0; i < 200; i++ {
		res, err := e.Execute(ctx, "demo")
		require.NoError(t, err)
		assert.Equal(t, v1.ID, res.VersionID)
		assert.Equal(t, models.RoleStable, res.Role)
	}
}

// blockingRunner parks executions until released so a rollback can land
// while they are in flight.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, source string) (string, error) {
	b.started <- struct{}{}
	<-b.release
	return source, nil
}

func TestRollbackDuringInFlightExecution(t *testing.T) {
	ctx := context.Background()
	st := deployTwo(t, 100)
	br := &blockingRunner{started: make(chan struct{}, 4), release: make(chan struct{})}
	e := New(st, br)

	var wg sync.WaitGroup
	results := make(chan Result, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Execute(ctx, "demo")
			if err != nil {
				t.Errorf("execute: %v", err)
				return
			}
			results <- res
		}()
	}
	for i := 0; i < 4; i++ {
		<-br.started
	}
	require.NoError(t, st.Rollback(ctx, "demo", 1))
	close(br.release)
	wg.Wait()
	close(results)

	for res := range results {
		assert.Equal(t, int64(2), res.VersionID, "in-flight requests keep the version they snapshotted")
	}

	e2 := New(st, echoRunner{})
	res, err := e2.Execute(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.VersionID)
}
