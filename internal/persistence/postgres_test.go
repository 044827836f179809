package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kestrel-Research/kestrel/go/researcher/internal/topics"
)

func newPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreWithDB(sqlx.NewDb(db, "sqlmock"), zap.NewNop()), mock
}

func TestPostgresStoreSaveUpserts(t *testing.T) {
	store, mock := newPostgresStore(t)
	snap := sampleSnapshot(t, "run-pg")

	queueJSON, err := json.Marshal(snap.Queue)
	require.NoError(t, err)
	registryJSON, err := json.Marshal(snap.Registry)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO research_snapshots").
		WithArgs("run-pg", queueJSON, registryJSON, snap.SavedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SaveSnapshot(context.Background(), snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSavePropagatesError(t *testing.T) {
	store, mock := newPostgresStore(t)

	mock.ExpectExec("INSERT INTO research_snapshots").
		WillReturnError(errors.New("connection reset"))

	err := store.SaveSnapshot(context.Background(), sampleSnapshot(t, "run-pg"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert snapshot")
}

func TestPostgresStoreLoadRoundTrip(t *testing.T) {
	store, mock := newPostgresStore(t)
	snap := sampleSnapshot(t, "run-pg")

	queueJSON, err := json.Marshal(snap.Queue)
	require.NoError(t, err)
	registryJSON, err := json.Marshal(snap.Registry)
	require.NoError(t, err)
	savedAt := time.Now().UTC()

	mock.ExpectQuery("SELECT queue_state, registry_state, saved_at").
		WithArgs("run-pg").
		WillReturnRows(sqlmock.NewRows([]string{"queue_state", "registry_state", "saved_at"}).
			AddRow(queueJSON, registryJSON, savedAt))

	loaded, err := store.LoadSnapshot(context.Background(), "run-pg")
	require.NoError(t, err)

	assert.Equal(t, "run-pg", loaded.ResearchID)
	assert.Equal(t, savedAt, loaded.SavedAt)
	require.Len(t, loaded.Queue.Units, 2)
	assert.Equal(t, topics.StatusCompleted, loaded.Queue.Units[0].Status)
	assert.Equal(t, snap.Registry.UnitCounters, loaded.Registry.UnitCounters)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreMissingSnapshot(t *testing.T) {
	store, mock := newPostgresStore(t)

	mock.ExpectQuery("SELECT queue_state, registry_state, saved_at").
		WithArgs("run-unknown").
		WillReturnError(sql.ErrNoRows)

	_, err := store.LoadSnapshot(context.Background(), "run-unknown")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestPostgresStoreCorruptStateSurfaces(t *testing.T) {
	store, mock := newPostgresStore(t)

	mock.ExpectQuery("SELECT queue_state, registry_state, saved_at").
		WithArgs("run-pg").
		WillReturnRows(sqlmock.NewRows([]string{"queue_state", "registry_state", "saved_at"}).
			AddRow([]byte("not json"), []byte("{}"), time.Now()))

	_, err := store.LoadSnapshot(context.Background(), "run-pg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal queue state")
}
