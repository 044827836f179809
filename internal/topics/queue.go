package topics

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kestrel-Research/kestrel/go/researcher/internal/metrics"
)

// Config holds queue construction parameters
type Config struct {
	// MaxLength caps the total number of units; 0 means unbounded.
	MaxLength int
	// MaxActive caps simultaneously active units. 1 for sequential runs,
	// the parallelism bound otherwise. 0 is treated as 1.
	MaxActive int
}

// Queue is the scheduling core: an ordered collection of topic units with
// atomic state transitions, dynamic insertion and duplicate detection.
// It is the single serialization point for concurrent access; no component
// other than the queue assigns or changes a unit's status.
type Queue struct {
	researchID string
	maxLength  int
	maxActive  int
	logger     *zap.Logger

	mu     sync.Mutex
	units  []*TopicUnit
	titles map[string]int // normalized title -> index into units
}

// NewQueue creates an empty queue for one research run
func NewQueue(researchID string, cfg Config, logger *zap.Logger) *Queue {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 1
	}
	return &Queue{
		researchID: researchID,
		maxLength:  cfg.MaxLength,
		maxActive:  cfg.MaxActive,
		logger:     logger,
		titles:     make(map[string]int),
	}
}

// ResearchID returns the id of the run this queue belongs to
func (q *Queue) ResearchID() string {
	return q.researchID
}

// Insert appends a new pending unit. Returns ErrDuplicateTopic if a unit
// with a case-insensitively equal normalized title already exists, and
// ErrQueueFull once MaxLength is reached.
func (q *Queue) Insert(title, overview string) (TopicUnit, error) {
	norm := normalizeTitle(title)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.titles[norm]; ok {
		metrics.InsertionsRejected.WithLabelValues("duplicate").Inc()
		return TopicUnit{}, ErrDuplicateTopic
	}
	if q.maxLength > 0 && len(q.units) >= q.maxLength {
		metrics.InsertionsRejected.WithLabelValues("capacity").Inc()
		return TopicUnit{}, ErrQueueFull
	}

	now := time.Now()
	unit := &TopicUnit{
		ID:        uuid.New().String(),
		Ordinal:   len(q.units) + 1,
		Title:     title,
		Overview:  overview,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  make(map[string]interface{}),
	}
	q.units = append(q.units, unit)
	q.titles[norm] = len(q.units) - 1
	metrics.QueuePending.Inc()

	q.logger.Info("Inserted topic unit",
		zap.String("research_id", q.researchID),
		zap.String("unit_id", unit.ID),
		zap.String("title", title),
	)

	return unit.clone(), nil
}

// AcquireNext atomically selects the oldest pending unit, transitions it to
// active and returns it. Returns ErrQueueEmpty when no pending unit exists
// and ErrActiveLimit while the active cap is saturated.
func (q *Queue) AcquireNext() (TopicUnit, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	active := 0
	for _, u := range q.units {
		if u.Status == StatusActive {
			active++
		}
	}
	if active >= q.maxActive {
		return TopicUnit{}, ErrActiveLimit
	}

	for _, u := range q.units {
		if u.Status != StatusPending {
			continue
		}
		u.Status = StatusActive
		u.UpdatedAt = time.Now()
		metrics.QueuePending.Dec()
		metrics.QueueActive.Inc()
		q.logger.Debug("Acquired topic unit",
			zap.String("research_id", q.researchID),
			zap.String("unit_id", u.ID),
			zap.String("title", u.Title),
		)
		return u.clone(), nil
	}
	return TopicUnit{}, ErrQueueEmpty
}

// MarkCompleted transitions an active unit to completed
func (q *Queue) MarkCompleted(unitID string) error {
	return q.finish(unitID, StatusCompleted, "")
}

// MarkFailed transitions an active unit to failed, recording the reason
func (q *Queue) MarkFailed(unitID, reason string) error {
	return q.finish(unitID, StatusFailed, reason)
}

func (q *Queue) finish(unitID string, to Status, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	u, err := q.findLocked(unitID)
	if err != nil {
		return err
	}
	if u.Status != StatusActive {
		return &InvalidTransitionError{UnitID: unitID, From: u.Status, To: to}
	}
	u.Status = to
	u.FailureReason = reason
	u.UpdatedAt = time.Now()
	metrics.QueueActive.Dec()
	if to == StatusCompleted {
		metrics.UnitsCompleted.Inc()
	} else {
		metrics.UnitsFailed.Inc()
	}

	q.logger.Info("Topic unit finished",
		zap.String("research_id", q.researchID),
		zap.String("unit_id", unitID),
		zap.String("status", to.String()),
		zap.String("reason", reason),
	)
	return nil
}

// AppendTrace attaches a tool trace to a unit. Traces are append-only.
func (q *Queue) AppendTrace(unitID string, trace ToolTrace) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	u, err := q.findLocked(unitID)
	if err != nil {
		return err
	}
	u.Traces = append(u.Traces, trace)
	u.UpdatedAt = time.Now()
	return nil
}

// BumpIteration increments a unit's iteration counter and returns the new value
func (q *Queue) BumpIteration(unitID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	u, err := q.findLocked(unitID)
	if err != nil {
		return 0, err
	}
	u.IterationCount++
	u.UpdatedAt = time.Now()
	return u.IterationCount, nil
}

// SetMetadata stores a loop-controller bookkeeping value on a unit. The
// queue never interprets metadata.
func (q *Queue) SetMetadata(unitID, key string, value interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	u, err := q.findLocked(unitID)
	if err != nil {
		return err
	}
	if u.Metadata == nil {
		u.Metadata = make(map[string]interface{})
	}
	u.Metadata[key] = value
	u.UpdatedAt = time.Now()
	return nil
}

// Unit returns a copy of the unit with the given id
func (q *Queue) Unit(unitID string) (TopicUnit, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	u, err := q.findLocked(unitID)
	if err != nil {
		return TopicUnit{}, err
	}
	return u.clone(), nil
}

// HasTopic reports whether a unit with an equal normalized title exists
func (q *Queue) HasTopic(title string) bool {
	norm := normalizeTitle(title)
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.titles[norm]
	return ok
}

// Statistics returns a point-in-time census of unit statuses
func (q *Queue) Statistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Statistics
	for _, u := range q.units {
		switch u.Status {
		case StatusPending:
			s.Pending++
		case StatusActive:
			s.Active++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	s.Total = len(q.units)
	return s
}

// Drained reports whether no pending and no active units remain. Active
// units may still insert new pending ones, so both conditions are checked
// under one lock acquisition.
func (q *Queue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, u := range q.units {
		if u.Status == StatusPending || u.Status == StatusActive {
			return false
		}
	}
	return true
}

// Units returns copies of all units in insertion order, for the report stage
func (q *Queue) Units() []TopicUnit {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]TopicUnit, 0, len(q.units))
	for _, u := range q.units {
		out = append(out, u.clone())
	}
	return out
}

// FailActive marks every currently active unit as failed with the given
// reason. Used on cancellation so no unit is left permanently active.
func (q *Queue) FailActive(reason string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var failed []string
	for _, u := range q.units {
		if u.Status != StatusActive {
			continue
		}
		u.Status = StatusFailed
		u.FailureReason = reason
		u.UpdatedAt = time.Now()
		failed = append(failed, u.ID)
		metrics.QueueActive.Dec()
		metrics.UnitsFailed.Inc()
	}
	if len(failed) > 0 {
		q.logger.Warn("Failed active units",
			zap.String("research_id", q.researchID),
			zap.Strings("unit_ids", failed),
			zap.String("reason", reason),
		)
	}
	return failed
}

func (q *Queue) findLocked(unitID string) (*TopicUnit, error) {
	for _, u := range q.units {
		if u.ID == unitID {
			return u, nil
		}
	}
	return nil, ErrUnitNotFound
}

func (u *TopicUnit) clone() TopicUnit {
	out := *u
	out.Traces = make([]ToolTrace, len(u.Traces))
	copy(out.Traces, u.Traces)
	out.Metadata = make(map[string]interface{}, len(u.Metadata))
	for k, v := range u.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// normalizeTitle lowercases, collapses whitespace and strips surrounding
// punctuation so that trivially different spellings dedup to one topic.
func normalizeTitle(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " .,;:!?\"'")
}
