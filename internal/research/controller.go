package research

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Kestrel-Research/kestrel/go/researcher/internal/citations"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/metrics"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/streaming"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/topics"
)

// IterationMode controls how the loop decides to stop
type IterationMode string

const (
	// ModeFixed runs exactly MaxIterations loops; sufficiency results are
	// logged but never stop the loop early.
	ModeFixed IterationMode = "fixed"
	// ModeFlexible stops as soon as sufficiency is reported, or at
	// MaxIterations, whichever comes first.
	ModeFlexible IterationMode = "flexible"
)

// Metadata keys the controller writes onto units. The queue never
// interprets these.
const (
	metaSufficient    = "sufficient"
	metaLastError     = "last_error"
	metaToolFailures  = "tool_failures"
	metaStoppedReason = "stopped_reason"
)

// LoopConfig holds loop-controller tuning
type LoopConfig struct {
	Mode IterationMode
	// MaxIterations bounds the loop; at least 1.
	MaxIterations int
	// NewTopicMinScore gates dynamic discovery; proposals scoring below it
	// are dropped.
	NewTopicMinScore float64
	// ToolFailureThreshold is the number of tool-execution failures a unit
	// tolerates before it fails.
	ToolFailureThreshold int
	// MaxSummaryChars bounds compressed note length.
	MaxSummaryChars int
	// ReasoningRetries bounds retries of a failed reasoning call.
	ReasoningRetries int
	// RetryBackoff is the initial backoff between reasoning retries; it
	// doubles per attempt.
	RetryBackoff time.Duration
}

func (c *LoopConfig) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeFlexible
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	if c.NewTopicMinScore <= 0 {
		c.NewTopicMinScore = 0.8
	}
	if c.ToolFailureThreshold <= 0 {
		c.ToolFailureThreshold = 3
	}
	if c.MaxSummaryChars <= 0 {
		c.MaxSummaryChars = 2000
	}
	if c.ReasoningRetries <= 0 {
		c.ReasoningRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// LoopController drives one active unit through the iterative research
// state machine until a stop condition. All unit mutation goes through the
// queue; everything else here is private working state.
type LoopController struct {
	queue    *topics.Queue
	registry *citations.Registry
	reasoner Reasoner
	tools    *ToolSet
	events   *streaming.Manager
	cfg      LoopConfig
	logger   *zap.Logger
}

// NewLoopController wires a controller against the shared queue, registry
// and tool set for one research run.
func NewLoopController(
	queue *topics.Queue,
	registry *citations.Registry,
	reasoner Reasoner,
	tools *ToolSet,
	events *streaming.Manager,
	cfg LoopConfig,
	logger *zap.Logger,
) *LoopController {
	cfg.applyDefaults()
	return &LoopController{
		queue:    queue,
		registry: registry,
		reasoner: reasoner,
		tools:    tools,
		events:   events,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes the research loop on an already-acquired unit. A nil return
// means the unit should be marked completed; an error means it should be
// marked failed with that reason. Errors never propagate as panics past
// this boundary.
func (c *LoopController) Run(ctx context.Context, unit topics.TopicUnit) error {
	log := c.logger.With(
		zap.String("research_id", c.queue.ResearchID()),
		zap.String("unit_id", unit.ID),
		zap.String("title", unit.Title),
	)

	notes := make([]string, 0, len(unit.Traces))
	for _, tr := range unit.Traces {
		notes = append(notes, tr.Summary)
	}

	toolFailures := 0
	iteration := unit.IterationCount

	for iteration < c.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Sufficiency check. Advisory in fixed mode, a stop decision in
		// flexible mode.
		var suff SufficiencyResult
		err := c.reasonWithRetry(ctx, PromptSufficiency, SufficiencyInput{
			Title:     unit.Title,
			Overview:  unit.Overview,
			Iteration: iteration,
			Notes:     notes,
		}, &suff)
		if err != nil {
			c.recordFailure(unit.ID, err)
			return fmt.Errorf("sufficiency check: %w", err)
		}
		_ = c.queue.SetMetadata(unit.ID, metaSufficient, suff.Sufficient)
		if suff.Sufficient && c.cfg.Mode == ModeFlexible {
			_ = c.queue.SetMetadata(unit.ID, metaStoppedReason, "sufficient")
			log.Info("Unit sufficient, stopping early",
				zap.Int("iteration", iteration),
				zap.String("reason", suff.Reason),
			)
			return nil
		}
		if suff.Sufficient {
			// Fixed mode still executes the remaining iterations' tool calls.
			log.Debug("Sufficiency reached in fixed mode, continuing",
				zap.Int("iteration", iteration),
			)
		}

		// Query planning.
		var plan QueryPlan
		err = c.reasonWithRetry(ctx, PromptPlan, PlanInput{
			Title:        unit.Title,
			Overview:     unit.Overview,
			Iteration:    iteration,
			Notes:        notes,
			AllowedTools: c.tools.EnabledTypes(),
		}, &plan)
		if err != nil {
			c.recordFailure(unit.ID, err)
			return fmt.Errorf("query planning: %w", err)
		}

		toolType, ok := c.resolveTool(plan.ToolType, log)
		if !ok {
			// No usable tool this iteration; counts against the failure
			// threshold like an execution failure.
			toolFailures++
			if c.failedTooOften(unit.ID, toolFailures) {
				return fmt.Errorf("no enabled tool after %d failures", toolFailures)
			}
			iteration = c.endIteration(ctx, unit, iteration)
			continue
		}

		// Tool execution. Failures are recoverable per iteration.
		raw, err := c.tools.Execute(ctx, toolType, plan.Query)
		if err != nil {
			c.events.Publish(streaming.Event{
				ResearchID: c.queue.ResearchID(),
				Stage:      streaming.StageToolFailed,
				UnitID:     unit.ID,
				Iteration:  iteration,
				ToolType:   toolType,
				Message:    err.Error(),
			})
			toolFailures++
			_ = c.queue.SetMetadata(unit.ID, metaToolFailures, toolFailures)
			c.recordFailure(unit.ID, err)
			if c.failedTooOften(unit.ID, toolFailures) {
				return fmt.Errorf("tool failure threshold exceeded: %w", err)
			}
			iteration = c.endIteration(ctx, unit, iteration)
			continue
		}
		c.events.Publish(streaming.Event{
			ResearchID: c.queue.ResearchID(),
			Stage:      streaming.StageToolCall,
			UnitID:     unit.ID,
			Iteration:  iteration,
			ToolType:   toolType,
		})

		// Note compression, citation allocation, trace append.
		var note NoteResult
		err = c.reasonWithRetry(ctx, PromptNote, NoteInput{
			Title:     unit.Title,
			Query:     plan.Query,
			RawAnswer: raw,
			MaxChars:  c.cfg.MaxSummaryChars,
		}, &note)
		if err != nil {
			c.recordFailure(unit.ID, err)
			return fmt.Errorf("note compression: %w", err)
		}
		summary := truncate(note.Summary, c.cfg.MaxSummaryChars)

		citationID := c.registry.Allocate(unit.ID, unit.Ordinal, toolType, plan.Query)
		current, err := c.queue.Unit(unit.ID)
		if err != nil {
			return fmt.Errorf("unit lookup: %w", err)
		}
		trace := topics.ToolTrace{
			TraceID:    current.NextTraceID(),
			CitationID: citationID,
			ToolType:   toolType,
			Query:      plan.Query,
			RawAnswer:  raw,
			Summary:    summary,
			Timestamp:  time.Now(),
		}
		if err := c.queue.AppendTrace(unit.ID, trace); err != nil {
			return fmt.Errorf("append trace: %w", err)
		}
		notes = append(notes, summary)
		c.events.Publish(streaming.Event{
			ResearchID:    c.queue.ResearchID(),
			Stage:         streaming.StageNoteRecorded,
			UnitID:        unit.ID,
			Iteration:     iteration,
			ToolType:      toolType,
			CitationCount: c.registry.Count(),
		})

		// Dynamic discovery. Capacity and duplicate rejections are logged
		// and dropped, never unit-fatal.
		if plan.NewTopic != nil {
			c.tryDiscovery(unit.ID, plan.NewTopic, log)
		}

		iteration = c.endIteration(ctx, unit, iteration)
	}

	_ = c.queue.SetMetadata(unit.ID, metaStoppedReason, "max_iterations")
	log.Info("Unit reached max iterations", zap.Int("iterations", iteration))
	return nil
}

// resolveTool accepts any tool type the plan names provided it is enabled;
// otherwise it falls back to the first enabled tool, if any.
func (c *LoopController) resolveTool(planned string, log *zap.Logger) (string, bool) {
	if c.tools.Enabled(planned) {
		return planned, true
	}
	allowed := c.tools.EnabledTypes()
	if len(allowed) == 0 {
		log.Warn("Planned tool disabled and no fallback available",
			zap.String("tool_type", planned),
		)
		return "", false
	}
	log.Warn("Planned tool disabled, falling back",
		zap.String("tool_type", planned),
		zap.String("fallback", allowed[0]),
	)
	return allowed[0], true
}

func (c *LoopController) tryDiscovery(unitID string, proposal *TopicProposal, log *zap.Logger) {
	if proposal.Score < c.cfg.NewTopicMinScore {
		log.Debug("Discovery below score threshold",
			zap.String("proposed", proposal.Title),
			zap.Float64("score", proposal.Score),
		)
		return
	}
	if c.queue.HasTopic(proposal.Title) {
		log.Debug("Discovery already queued", zap.String("proposed", proposal.Title))
		return
	}
	inserted, err := c.queue.Insert(proposal.Title, proposal.Overview)
	switch {
	case errors.Is(err, topics.ErrQueueFull):
		log.Info("Discovery dropped, queue at capacity", zap.String("proposed", proposal.Title))
		return
	case errors.Is(err, topics.ErrDuplicateTopic):
		log.Debug("Discovery raced with duplicate", zap.String("proposed", proposal.Title))
		return
	case err != nil:
		log.Warn("Discovery insert failed", zap.Error(err))
		return
	}
	metrics.UnitsInserted.WithLabelValues("discovery").Inc()
	metrics.TopicsDiscovered.Inc()
	c.events.Publish(streaming.Event{
		ResearchID: c.queue.ResearchID(),
		Stage:      streaming.StageTopicInserted,
		UnitID:     inserted.ID,
		UnitTitle:  inserted.Title,
		Status:     inserted.Status.String(),
		Message:    "discovered by " + unitID,
	})
}

// endIteration bumps the unit's iteration counter and emits the iteration
// event. It returns the new iteration count.
func (c *LoopController) endIteration(ctx context.Context, unit topics.TopicUnit, fallback int) int {
	n, err := c.queue.BumpIteration(unit.ID)
	if err != nil {
		c.logger.Warn("Iteration bump failed", zap.String("unit_id", unit.ID), zap.Error(err))
		return fallback + 1
	}
	metrics.LoopIterations.Inc()
	c.events.Publish(streaming.Event{
		ResearchID: c.queue.ResearchID(),
		Stage:      streaming.StageIteration,
		UnitID:     unit.ID,
		Iteration:  n,
	})
	return n
}

func (c *LoopController) failedTooOften(unitID string, failures int) bool {
	if failures < c.cfg.ToolFailureThreshold {
		return false
	}
	_ = c.queue.SetMetadata(unitID, metaToolFailures, failures)
	return true
}

func (c *LoopController) recordFailure(unitID string, err error) {
	_ = c.queue.SetMetadata(unitID, metaLastError, err.Error())
}

// reasonWithRetry calls the reasoner and decodes the response, retrying
// malformed output and transient failures with doubling backoff. The
// retry bound is small and fixed; exhausting it is unit-fatal for the
// caller.
func (c *LoopController) reasonWithRetry(ctx context.Context, kind PromptKind, input, out interface{}) error {
	return reasonInto(ctx, c.reasoner, kind, input, out, c.cfg.ReasoningRetries, c.cfg.RetryBackoff)
}

func reasonInto(ctx context.Context, r Reasoner, kind PromptKind, input, out interface{}, retries int, backoff time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			metrics.ReasoningRetries.WithLabelValues(string(kind)).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		raw, err := r.Reason(ctx, kind, input)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if err := decode(raw, out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("reasoning %s failed after %d attempts: %w", kind, retries, lastErr)
}

// truncate bounds s to max bytes, backing off to a rune boundary so a
// multi-byte character is never split.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
