// Package persistence snapshots and restores research-run state so a run
// can resume deterministically after a crash or restart.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/Kestrel-Research/kestrel/go/researcher/internal/citations"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/topics"
)

// ErrSnapshotNotFound is returned when no snapshot exists for a research id
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is one durable research-run document: the full queue state and
// the citation registry, keyed by research id.
type Snapshot struct {
	ResearchID string                   `json:"research_id"`
	Queue      topics.QueueState        `json:"queue"`
	Registry   citations.RegistryState  `json:"registry"`
	SavedAt    time.Time                `json:"saved_at"`
}

// Adapter is the durable-storage boundary. SaveSnapshot is called after
// every unit-terminal transition and must not block the scheduler longer
// than the write itself takes.
type Adapter interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, researchID string) (Snapshot, error)
}
