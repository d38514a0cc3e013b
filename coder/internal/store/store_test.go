package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var artifactColumns = []string{"stable_id", "candidate_id", "phase_percent", "latest_id", "updated_at"}

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGStoreFirstDeploy(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO coder_artifacts").
		WithArgs("demo").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT stable_id, candidate_id, phase_percent, latest_id, updated_at").
		WithArgs("demo").
		WillReturnRows(sqlmock.NewRows(artifactColumns).AddRow(0, nil, 0, 0, now))
	mock.ExpectQuery("INSERT INTO coder_versions").
		WithArgs("demo", int64(1), "print('v1')", checksum("print('v1')")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectExec("UPDATE coder_artifacts").
		WithArgs("demo", int64(1), nil, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := st.Deploy(context.Background(), "demo", "print('v1')")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.ID)
	assert.Equal(t, now, rec.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreLaterDeployBecomesCandidate(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO coder_artifacts").
		WithArgs("demo").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT stable_id, candidate_id").
		WithArgs("demo").
		WillReturnRows(sqlmock.NewRows(artifactColumns).AddRow(1, 2, 30, 2, now))
	mock.ExpectQuery("INSERT INTO coder_versions").
		WithArgs("demo", int64(3), "v3", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectExec("UPDATE coder_artifacts").
		WithArgs("demo", int64(1), int64(3), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := st.Deploy(context.Background(), "demo", "v3")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreDeployValidatesBeforeTouchingDB(t *testing.T) {
	st, mock := newMockStore(t)
	_, err := st.Deploy(context.Background(), "demo", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreSetPhase(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT stable_id, candidate_id").
		WithArgs("demo").
		WillReturnRows(sqlmock.NewRows(artifactColumns).AddRow(1, 2, 0, 2, now))
	mock.ExpectExec("UPDATE coder_artifacts SET phase_percent").
		WithArgs("demo", 30).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, st.SetPhase(context.Background(), "demo", 30))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreSetPhaseWithoutCandidate(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT stable_id, candidate_id").
		WithArgs("demo").
		WillReturnRows(sqlmock.NewRows(artifactColumns).AddRow(1, nil, 0, 1, now))
	mock.ExpectRollback()

	err := st.SetPhase(context.Background(), "demo", 30)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreSetPhaseUnknownArtifact(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT stable_id, candidate_id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(artifactColumns))
	mock.ExpectRollback()

	err := st.SetPhase(context.Background(), "ghost", 30)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreSetPhaseOutOfRange(t *testing.T) {
	st, mock := newMockStore(t)
	assert.ErrorIs(t, st.SetPhase(context.Background(), "demo", 101), ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreRollback(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT stable_id, candidate_id").
		WithArgs("demo").
		WillReturnRows(sqlmock.NewRows(artifactColumns).AddRow(1, 3, 50, 3, now))
	mock.ExpectExec("UPDATE coder_artifacts").
		WithArgs("demo", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, st.Rollback(context.Background(), "demo", 2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreRollbackUnknownVersion(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT stable_id, candidate_id").
		WithArgs("demo").
		WillReturnRows(sqlmock.NewRows(artifactColumns).AddRow(1, nil, 0, 2, now))
	mock.ExpectRollback()

	err := st.Rollback(context.Background(), "demo", 7)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreSnapshot(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT stable_id, candidate_id").
		WithArgs("demo").
		WillReturnRows(sqlmock.NewRows(artifactColumns).AddRow(1, 2, 30, 2, now))
	mock.ExpectQuery("SELECT version_id, source, checksum, created_at").
		WithArgs("demo").
		WillReturnRows(sqlmock.NewRows([]string{"version_id", "source", "checksum", "created_at"}).
			AddRow(1, "v1", checksum("v1"), now).
			AddRow(2, "v2", checksum("v2"), now))
	mock.ExpectRollback()

	snap, err := st.Snapshot(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.StableID)
	assert.Equal(t, int64(2), snap.CandidateID)
	assert.Equal(t, 30, snap.PhasePercent)
	require.Len(t, snap.History, 2)
	assert.Equal(t, "v2", snap.History[1].Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreSnapshotUnknownArtifact(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT stable_id, candidate_id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(artifactColumns))
	mock.ExpectRollback()

	_, err := st.Snapshot(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreListArtifacts(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT artifact_id FROM coder_artifacts").
		WillReturnRows(sqlmock.NewRows([]string{"artifact_id"}).AddRow("a").AddRow("b"))

	ids, err := st.ListArtifacts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
