package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ILLUVRSE/antigravity/coder/internal/models"
)

// Store holds the version history and routing configuration of every artifact.
// Mutations are serialized per artifact; Snapshot never observes a partial update.
type Store interface {
	Deploy(ctx context.Context, artifactID, source string) (models.VersionRecord, error)
	SetPhase(ctx context.Context, artifactID string, percent int) error
	Rollback(ctx context.Context, artifactID string, targetID int64) error
	Snapshot(ctx context.Context, artifactID string) (models.ArtifactState, error)
	ListArtifacts(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

const Schema = `
CREATE TABLE IF NOT EXISTS coder_artifacts (
	artifact_id   TEXT PRIMARY KEY,
	stable_id     BIGINT NOT NULL DEFAULT 0,
	candidate_id  BIGINT,
	phase_percent INTEGER NOT NULL DEFAULT 0 CHECK (phase_percent BETWEEN 0 AND 100),
	latest_id     BIGINT NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS coder_versions (
	artifact_id TEXT NOT NULL REFERENCES coder_artifacts(artifact_id),
	version_id  BIGINT NOT NULL,
	source      TEXT NOT NULL,
	checksum    TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (artifact_id, version_id)
);
`

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type artifactRow struct {
	stableID    int64
	candidateID sql.NullInt64
	phase       int
	latestID    int64
	updatedAt   time.Time
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifactRow(row rowScanner) (artifactRow, error) {
	var r artifactRow
	if err := row.Scan(&r.stableID, &r.candidateID, &r.phase, &r.latestID, &r.updatedAt); err != nil {
		return artifactRow{}, err
	}
	return r, nil
}

const lockArtifact = `
	SELECT stable_id, candidate_id, phase_percent, latest_id, updated_at
	FROM coder_artifacts WHERE artifact_id=$1
	FOR UPDATE
`

func (s *PGStore) Deploy(ctx context.Context, artifactID, source string) (models.VersionRecord, error) {
	if err := validateArtifactID(artifactID); err != nil {
		return models.VersionRecord{}, err
	}
	if err := validateSource(source); err != nil {
		return models.VersionRecord{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.VersionRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const ensure = `
		INSERT INTO coder_artifacts (artifact_id) VALUES ($1)
		ON CONFLICT (artifact_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, ensure, artifactID); err != nil {
		return models.VersionRecord{}, fmt.Errorf("ensure artifact: %w", err)
	}
	cur, err := scanArtifactRow(tx.QueryRowContext(ctx, lockArtifact, artifactID))
	if err != nil {
		return models.VersionRecord{}, fmt.Errorf("lock artifact: %w", err)
	}

	rec := models.VersionRecord{
		ID:       cur.latestID + 1,
		Source:   source,
		Checksum: checksum(source),
	}
	const insertVersion = `
		INSERT INTO coder_versions (artifact_id, version_id, source, checksum)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at
	`
	if err := tx.QueryRowContext(ctx, insertVersion, artifactID, rec.ID, rec.Source, rec.Checksum).Scan(&rec.CreatedAt); err != nil {
		return models.VersionRecord{}, fmt.Errorf("insert version: %w", err)
	}

	stableID := cur.stableID
	candidate := sql.NullInt64{Int64: rec.ID, Valid: true}
	if cur.latestID == 0 {
		stableID = rec.ID
		candidate = sql.NullInt64{}
	}
	const update = `
		UPDATE coder_artifacts
		SET stable_id=$2, candidate_id=$3, phase_percent=0, latest_id=$4, updated_at=NOW()
		WHERE artifact_id=$1
	`
	if _, err := tx.ExecContext(ctx, update, artifactID, stableID, candidate, rec.ID); err != nil {
		return models.VersionRecord{}, fmt.Errorf("update artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.VersionRecord{}, fmt.Errorf("commit deploy: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func (s *PGStore) SetPhase(ctx context.Context, artifactID string, percent int) error {
	if err := validateArtifactID(artifactID); err != nil {
		return err
	}
	if err := validatePercent(percent); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanArtifactRow(tx.QueryRowContext(ctx, lockArtifact, artifactID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return artifactNotFound(artifactID)
		}
		return fmt.Errorf("lock artifact: %w", err)
	}
	if !cur.candidateID.Valid {
		return noCandidate(artifactID)
	}
	const update = `UPDATE coder_artifacts SET phase_percent=$2, updated_at=NOW() WHERE artifact_id=$1`
	if _, err := tx.ExecContext(ctx, update, artifactID, percent); err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit phase: %w", err)
	}
	return nil
}

func (s *PGStore) Rollback(ctx context.Context, artifactID string, targetID int64) error {
	if err := validateArtifactID(artifactID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanArtifactRow(tx.QueryRowContext(ctx, lockArtifact, artifactID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return artifactNotFound(artifactID)
		}
		return fmt.Errorf("lock artifact: %w", err)
	}
	if targetID < 1 || targetID > cur.latestID {
		return versionNotFound(artifactID, targetID)
	}
	const update = `
		UPDATE coder_artifacts
		SET stable_id=$2, candidate_id=NULL, phase_percent=0, updated_at=NOW()
		WHERE artifact_id=$1
	`
	if _, err := tx.ExecContext(ctx, update, artifactID, targetID); err != nil {
		return fmt.Errorf("update rollback: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}
	return nil
}

func (s *PGStore) Snapshot(ctx context.Context, artifactID string) (models.ArtifactState, error) {
	if err := validateArtifactID(artifactID); err != nil {
		return models.ArtifactState{}, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return models.ArtifactState{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectArtifact = `
		SELECT stable_id, candidate_id, phase_percent, latest_id, updated_at
		FROM coder_artifacts WHERE artifact_id=$1
	`
	cur, err := scanArtifactRow(tx.QueryRowContext(ctx, selectArtifact, artifactID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ArtifactState{}, artifactNotFound(artifactID)
		}
		return models.ArtifactState{}, fmt.Errorf("get artifact: %w", err)
	}
	if cur.latestID == 0 {
		return models.ArtifactState{}, artifactNotFound(artifactID)
	}

	const selectVersions = `
		SELECT version_id, source, checksum, created_at
		FROM coder_versions WHERE artifact_id=$1
		ORDER BY version_id
	`
	rows, err := tx.QueryContext(ctx, selectVersions, artifactID)
	if err != nil {
		return models.ArtifactState{}, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	history := make([]models.VersionRecord, 0, cur.latestID)
	for rows.Next() {
		var rec models.VersionRecord
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Checksum, &rec.CreatedAt); err != nil {
			return models.ArtifactState{}, fmt.Errorf("scan version: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		history = append(history, rec)
	}
	if err := rows.Err(); err != nil {
		return models.ArtifactState{}, fmt.Errorf("iterate versions: %w", err)
	}

	state := models.ArtifactState{
		ArtifactID:   artifactID,
		History:      history,
		StableID:     cur.stableID,
		PhasePercent: cur.phase,
		UpdatedAt:    cur.updatedAt.UTC(),
	}
	if cur.candidateID.Valid {
		state.CandidateID = cur.candidateID.Int64
	} else {
		state.PhasePercent = 0
	}
	return state, nil
}

func (s *PGStore) ListArtifacts(ctx context.Context) ([]string, error) {
	const query = `SELECT artifact_id FROM coder_artifacts WHERE latest_id > 0 ORDER BY artifact_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return ids, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
