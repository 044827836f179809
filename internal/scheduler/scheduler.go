// Package scheduler drives a topic queue to completion, sequentially or
// with bounded concurrency, isolating per-unit failures and snapshotting
// state after every terminal transition.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kestrel-Research/kestrel/go/researcher/internal/citations"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/metrics"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/persistence"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/streaming"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/topics"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/tracing"
)

// Mode selects how the scheduler drains the queue
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// UnitRunner runs the research loop on one acquired unit. A nil return
// marks the unit completed; an error marks it failed with that reason.
type UnitRunner interface {
	Run(ctx context.Context, unit topics.TopicUnit) error
}

// Config holds scheduler construction parameters
type Config struct {
	Mode Mode
	// MaxParallelTopics bounds concurrently running loops in parallel
	// mode; ignored in sequential mode.
	MaxParallelTopics int
}

// Result summarizes a finished run. A run with failed units is still a
// success at the run level; only run-fatal conditions surface as an error
// from Run.
type Result struct {
	ResearchID string
	Stats      topics.Statistics
	Units      []topics.TopicUnit
	Citations  []citations.SourceMetadata
	Cancelled  bool
	Elapsed    time.Duration
}

// Scheduler owns one research run's execution
type Scheduler struct {
	queue    *topics.Queue
	registry *citations.Registry
	runner   UnitRunner
	store    persistence.Adapter // nil disables snapshots
	events   *streaming.Manager
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	fatalErr error
}

// New creates a scheduler for one run. store may be nil to disable
// persistence.
func New(
	queue *topics.Queue,
	registry *citations.Registry,
	runner UnitRunner,
	store persistence.Adapter,
	events *streaming.Manager,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Mode == "" {
		cfg.Mode = ModeSequential
	}
	if cfg.MaxParallelTopics <= 0 {
		cfg.MaxParallelTopics = 1
	}
	return &Scheduler{
		queue:    queue,
		registry: registry,
		runner:   runner,
		store:    store,
		events:   events,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run drains the queue until no pending and no active units remain, or the
// context is cancelled, or a run-fatal error occurs. Cancellation stops
// dispatch, lets in-flight iterations finish their current step and marks
// interrupted units failed; it is not a run failure.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	mode := string(s.cfg.Mode)
	metrics.RunsStarted.WithLabelValues(mode).Inc()

	ctx, span := tracing.StartSpan(ctx, "research.run")
	defer span.End()

	s.events.Publish(streaming.Event{
		ResearchID: s.queue.ResearchID(),
		Stage:      streaming.StageRunStarted,
		Message:    mode,
	})
	s.logger.Info("Research run started",
		zap.String("research_id", s.queue.ResearchID()),
		zap.String("mode", mode),
		zap.Int("max_parallel", s.cfg.MaxParallelTopics),
	)

	s.dispatch(ctx)

	cancelled := ctx.Err() != nil
	reason := "halted"
	if cancelled {
		reason = "cancelled"
	}
	if interrupted := s.queue.FailActive(reason); len(interrupted) > 0 {
		for _, id := range interrupted {
			s.events.Publish(streaming.Event{
				ResearchID: s.queue.ResearchID(),
				Stage:      streaming.StageUnitFailed,
				UnitID:     id,
				Status:     topics.StatusFailed.String(),
				Message:    reason,
			})
		}
	}

	result := Result{
		ResearchID: s.queue.ResearchID(),
		Stats:      s.queue.Statistics(),
		Units:      s.queue.Units(),
		Citations:  s.registry.AllRegistered(),
		Cancelled:  cancelled,
		Elapsed:    time.Since(start),
	}

	status := "ok"
	fatal := s.fatal()
	if fatal != nil {
		status = "fatal"
	} else if cancelled {
		status = "cancelled"
	}
	metrics.RunsCompleted.WithLabelValues(mode, status).Inc()
	metrics.RunDuration.WithLabelValues(mode).Observe(result.Elapsed.Seconds())

	s.events.Publish(streaming.Event{
		ResearchID:    s.queue.ResearchID(),
		Stage:         streaming.StageRunFinished,
		Status:        status,
		CitationCount: len(result.Citations),
	})
	s.logger.Info("Research run finished",
		zap.String("research_id", s.queue.ResearchID()),
		zap.String("status", status),
		zap.Int("completed", result.Stats.Completed),
		zap.Int("failed", result.Stats.Failed),
		zap.Duration("elapsed", result.Elapsed),
	)

	return result, fatal
}

// dispatch acquires and runs units until termination: both no pending and
// no active units. An empty-but-not-finished queue can still receive
// insertions from in-flight units, so emptiness alone never terminates.
func (s *Scheduler) dispatch(ctx context.Context) {
	// Concurrency capacity is enforced by the queue's active cap, so the
	// loop simply acquires until AcquireNext pushes back.
	// wake is pulsed whenever a worker finishes, so the dispatch loop can
	// retry acquisition instead of polling.
	wake := make(chan struct{}, 1)
	pulse := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	var wg sync.WaitGroup
	for {
		if ctx.Err() != nil || s.fatal() != nil {
			break
		}

		unit, err := s.queue.AcquireNext()
		if err == nil {
			s.events.Publish(streaming.Event{
				ResearchID: s.queue.ResearchID(),
				Stage:      streaming.StageUnitAcquired,
				UnitID:     unit.ID,
				UnitTitle:  unit.Title,
				Status:     unit.Status.String(),
			})
			if s.cfg.Mode == ModeSequential {
				s.runUnit(ctx, unit)
				continue
			}
			wg.Add(1)
			go func(u topics.TopicUnit) {
				defer wg.Done()
				defer pulse()
				s.runUnit(ctx, u)
			}(unit)
			continue
		}

		if errors.Is(err, topics.ErrQueueEmpty) && s.queue.Drained() {
			break
		}

		// At the active cap, or empty with units still in flight: wait for
		// a worker to finish or for cancellation.
		select {
		case <-wake:
		case <-ctx.Done():
		}
	}
	wg.Wait()
}

// runUnit runs the loop controller on one unit and resolves it to a
// terminal status. Controller errors are unit-fatal only; snapshot errors
// are run-fatal.
func (s *Scheduler) runUnit(ctx context.Context, unit topics.TopicUnit) {
	ctx, span := tracing.StartSpan(ctx, "research.unit")
	defer span.End()

	err := s.runner.Run(ctx, unit)
	switch {
	case err == nil:
		if terr := s.queue.MarkCompleted(unit.ID); terr != nil {
			s.setFatal(terr)
			return
		}
		s.events.Publish(streaming.Event{
			ResearchID:    s.queue.ResearchID(),
			Stage:         streaming.StageUnitCompleted,
			UnitID:        unit.ID,
			UnitTitle:     unit.Title,
			Status:        topics.StatusCompleted.String(),
			CitationCount: s.registry.Count(),
		})
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// The cancellation sweep in Run marks the unit failed; leaving it
		// active here keeps a single owner for the "cancelled" reason.
		s.logger.Info("Unit interrupted by cancellation",
			zap.String("unit_id", unit.ID),
		)
		return
	default:
		if terr := s.queue.MarkFailed(unit.ID, err.Error()); terr != nil {
			s.setFatal(terr)
			return
		}
		s.events.Publish(streaming.Event{
			ResearchID: s.queue.ResearchID(),
			Stage:      streaming.StageUnitFailed,
			UnitID:     unit.ID,
			UnitTitle:  unit.Title,
			Status:     topics.StatusFailed.String(),
			Message:    err.Error(),
		})
	}

	s.snapshot(ctx)
}

// snapshot persists queue and registry state after a terminal transition.
// Persistence failure is run-fatal; partial state remains for resumption.
func (s *Scheduler) snapshot(ctx context.Context) {
	if s.store == nil {
		return
	}
	start := time.Now()
	snap := persistence.Snapshot{
		ResearchID: s.queue.ResearchID(),
		Queue:      s.queue.Snapshot(),
		Registry:   s.registry.Snapshot(),
		SavedAt:    start,
	}
	err := s.store.SaveSnapshot(ctx, snap)
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SnapshotErrors.Inc()
		s.events.Publish(streaming.Event{
			ResearchID: s.queue.ResearchID(),
			Stage:      streaming.StageSnapshotFailed,
			Message:    err.Error(),
		})
		s.logger.Error("Snapshot failed", zap.Error(err))
		s.setFatal(err)
		return
	}
	s.events.Publish(streaming.Event{
		ResearchID: s.queue.ResearchID(),
		Stage:      streaming.StageSnapshotSaved,
	})
}

func (s *Scheduler) setFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
}

func (s *Scheduler) fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}
