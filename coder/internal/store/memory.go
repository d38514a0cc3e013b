package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ILLUVRSE/antigravity/coder/internal/models"
)

type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]*memoryArtifact
	now       func() time.Time
}

// memoryArtifact guards one artifact's state. History is append-only: records
// below len(history) are never written again, so snapshots can alias the
// backing array as long as their capacity is capped at their length.
type memoryArtifact struct {
	mu    sync.RWMutex
	state models.ArtifactState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: map[string]*memoryArtifact{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) lookup(artifactID string) (*memoryArtifact, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[artifactID]
	return a, ok
}

func (m *MemoryStore) getOrCreate(artifactID string) *memoryArtifact {
	if a, ok := m.lookup(artifactID); ok {
		return a
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.artifacts[artifactID]; ok {
		return a
	}
	a := &memoryArtifact{state: models.ArtifactState{ArtifactID: artifactID}}
	m.artifacts[artifactID] = a
	return a
}

func (m *MemoryStore) Deploy(ctx context.Context, artifactID, source string) (models.VersionRecord, error) {
	if err := validateArtifactID(artifactID); err != nil {
		return models.VersionRecord{}, err
	}
	if err := validateSource(source); err != nil {
		return models.VersionRecord{}, err
	}
	a := m.getOrCreate(artifactID)

	a.mu.Lock()
	defer a.mu.Unlock()
	now := m.now()
	rec := models.VersionRecord{
		ID:        int64(len(a.state.History)) + 1,
		Source:    source,
		Checksum:  checksum(source),
		CreatedAt: now,
	}
	a.state.History = append(a.state.History, rec)
	if rec.ID == 1 {
		a.state.StableID = rec.ID
		a.state.CandidateID = 0
	} else {
		a.state.CandidateID = rec.ID
	}
	a.state.PhasePercent = 0
	a.state.UpdatedAt = now
	return rec, nil
}

// deployed returns the artifact only once it has at least one version, so a
// concurrent first Deploy is never observed half way.
func (m *MemoryStore) deployed(artifactID string) (*memoryArtifact, error) {
	if err := validateArtifactID(artifactID); err != nil {
		return nil, err
	}
	a, ok := m.lookup(artifactID)
	if !ok {
		return nil, artifactNotFound(artifactID)
	}
	return a, nil
}

func (m *MemoryStore) SetPhase(ctx context.Context, artifactID string, percent int) error {
	a, err := m.deployed(artifactID)
	if err != nil {
		return err
	}
	if err := validatePercent(percent); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.state.History) == 0 {
		return artifactNotFound(artifactID)
	}
	if !a.state.HasCandidate() {
		return noCandidate(artifactID)
	}
	a.state.PhasePercent = percent
	a.state.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Rollback(ctx context.Context, artifactID string, targetID int64) error {
	a, err := m.deployed(artifactID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.state.History) == 0 {
		return artifactNotFound(artifactID)
	}
	if _, ok := a.state.Version(targetID); !ok {
		return versionNotFound(artifactID, targetID)
	}
	a.state.StableID = targetID
	a.state.CandidateID = 0
	a.state.PhasePercent = 0
	a.state.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Snapshot(ctx context.Context, artifactID string) (models.ArtifactState, error) {
	a, err := m.deployed(artifactID)
	if err != nil {
		return models.ArtifactState{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.state.History) == 0 {
		return models.ArtifactState{}, artifactNotFound(artifactID)
	}
	snap := a.state
	n := len(snap.History)
	snap.History = snap.History[:n:n]
	return snap, nil
}

func (m *MemoryStore) ListArtifacts(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	entries := make(map[string]*memoryArtifact, len(m.artifacts))
	for id, a := range m.artifacts {
		entries[id] = a
	}
	m.mu.RUnlock()

	ids := make([]string, 0, len(entries))
	for id, a := range entries {
		a.mu.RLock()
		n := len(a.state.History)
		a.mu.RUnlock()
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
