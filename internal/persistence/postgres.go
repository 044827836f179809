package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// PostgresStore persists snapshots in a research_snapshots table, one row
// per research run, upserted on every save.
//
// Schema:
//
//	CREATE TABLE research_snapshots (
//	    research_id TEXT PRIMARY KEY,
//	    queue_state JSONB NOT NULL,
//	    registry_state JSONB NOT NULL,
//	    saved_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore opens a connection pool against the configured database
func NewPostgresStore(cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	return &PostgresStore{db: db, logger: logger}, nil
}

// NewPostgresStoreWithDB wraps an existing connection; used by tests
func NewPostgresStoreWithDB(db *sqlx.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// SaveSnapshot upserts the snapshot row for its research id
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	queueJSON, err := json.Marshal(snap.Queue)
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}
	registryJSON, err := json.Marshal(snap.Registry)
	if err != nil {
		return fmt.Errorf("marshal registry state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO research_snapshots (research_id, queue_state, registry_state, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (research_id) DO UPDATE SET
			queue_state = EXCLUDED.queue_state,
			registry_state = EXCLUDED.registry_state,
			saved_at = EXCLUDED.saved_at`,
		snap.ResearchID, queueJSON, registryJSON, snap.SavedAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	s.logger.Debug("Saved snapshot", zap.String("research_id", snap.ResearchID))
	return nil
}

// LoadSnapshot reads the snapshot row for a research id
func (s *PostgresStore) LoadSnapshot(ctx context.Context, researchID string) (Snapshot, error) {
	var row struct {
		QueueState    []byte    `db:"queue_state"`
		RegistryState []byte    `db:"registry_state"`
		SavedAt       time.Time `db:"saved_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT queue_state, registry_state, saved_at
		FROM research_snapshots WHERE research_id = $1`, researchID)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrSnapshotNotFound
	} else if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}

	snap := Snapshot{ResearchID: researchID, SavedAt: row.SavedAt}
	if err := json.Unmarshal(row.QueueState, &snap.Queue); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal queue state: %w", err)
	}
	if err := json.Unmarshal(row.RegistryState, &snap.Registry); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal registry state: %w", err)
	}
	return snap, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
