package research

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kestrel-Research/kestrel/go/researcher/internal/citations"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/streaming"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/topics"
)

// scriptReasoner dispatches prompt kinds to function fields and marshals
// the result, so tests can script exact loop behavior.
type scriptReasoner struct {
	sufficiency func(SufficiencyInput) (SufficiencyResult, error)
	plan        func(PlanInput) (QueryPlan, error)
	note        func(NoteInput) (NoteResult, error)
	raw         func(PromptKind) (string, bool) // overrides output verbatim when set
}

func (r *scriptReasoner) Reason(ctx context.Context, kind PromptKind, input interface{}) (string, error) {
	if r.raw != nil {
		if out, ok := r.raw(kind); ok {
			return out, nil
		}
	}
	var (
		out interface{}
		err error
	)
	switch kind {
	case PromptSufficiency:
		out, err = r.sufficiency(input.(SufficiencyInput))
	case PromptPlan:
		out, err = r.plan(input.(PlanInput))
	case PromptNote:
		out, err = r.note(input.(NoteInput))
	default:
		return "", errors.New("unexpected prompt kind")
	}
	if err != nil {
		return "", err
	}
	b, _ := json.Marshal(out)
	return string(b), nil
}

func defaultScript() *scriptReasoner {
	return &scriptReasoner{
		sufficiency: func(in SufficiencyInput) (SufficiencyResult, error) {
			return SufficiencyResult{Sufficient: len(in.Notes) > 0}, nil
		},
		plan: func(in PlanInput) (QueryPlan, error) {
			return QueryPlan{ToolType: "vector_search", Query: "q about " + in.Title}, nil
		},
		note: func(in NoteInput) (NoteResult, error) {
			return NoteResult{Summary: "note for " + in.Query}, nil
		},
	}
}

type loopEnv struct {
	queue      *topics.Queue
	registry   *citations.Registry
	tools      *ToolSet
	events     *streaming.Manager
	controller *LoopController
}

func newLoopEnv(t *testing.T, reasoner Reasoner, cfg LoopConfig, queueCfg topics.Config) *loopEnv {
	t.Helper()
	logger := zap.NewNop()
	queue := topics.NewQueue("run-test", queueCfg, logger)
	registry := citations.NewRegistry("run-test", logger)
	tools := NewToolSet(logger)
	tools.Register("vector_search", echoExecutor(), ToolConfig{Enabled: true})
	events := streaming.NewManager(0)
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	return &loopEnv{
		queue:      queue,
		registry:   registry,
		tools:      tools,
		events:     events,
		controller: NewLoopController(queue, registry, reasoner, tools, events, cfg, logger),
	}
}

func (e *loopEnv) acquire(t *testing.T, title string) topics.TopicUnit {
	t.Helper()
	_, err := e.queue.Insert(title, "overview")
	require.NoError(t, err)
	u, err := e.queue.AcquireNext()
	require.NoError(t, err)
	return u
}

func TestFlexibleModeStopsWhenSufficient(t *testing.T) {
	env := newLoopEnv(t, defaultScript(), LoopConfig{Mode: ModeFlexible, MaxIterations: 5}, topics.Config{})
	unit := env.acquire(t, "Topic A")

	require.NoError(t, env.controller.Run(context.Background(), unit))

	got, err := env.queue.Unit(unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.IterationCount)
	require.Len(t, got.Traces, 1)
	assert.Equal(t, "[1.1]", got.Traces[0].CitationID)
	assert.Equal(t, "vector_search", got.Traces[0].ToolType)
	assert.Equal(t, 1, env.registry.Count())
}

func TestFixedModeRunsAllIterations(t *testing.T) {
	script := defaultScript()
	script.sufficiency = func(in SufficiencyInput) (SufficiencyResult, error) {
		return SufficiencyResult{Sufficient: true}, nil // sufficient from the start
	}
	env := newLoopEnv(t, script, LoopConfig{Mode: ModeFixed, MaxIterations: 3}, topics.Config{})
	unit := env.acquire(t, "Topic A")

	require.NoError(t, env.controller.Run(context.Background(), unit))

	got, err := env.queue.Unit(unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.IterationCount)
	assert.Len(t, got.Traces, 3)
	assert.Equal(t, 3, env.registry.Count())
}

func TestToolFailureIsRecoverablePerIteration(t *testing.T) {
	var calls atomic.Int32
	env := newLoopEnv(t, defaultScript(), LoopConfig{
		Mode:                 ModeFlexible,
		MaxIterations:        5,
		ToolFailureThreshold: 3,
	}, topics.Config{})
	env.tools.Register("vector_search", ToolExecutorFunc(func(ctx context.Context, query string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("transient backend error")
		}
		return "ok", nil
	}), ToolConfig{Enabled: true})
	unit := env.acquire(t, "Topic A")

	require.NoError(t, env.controller.Run(context.Background(), unit))

	got, err := env.queue.Unit(unit.ID)
	require.NoError(t, err)
	// First iteration failed without a trace, second succeeded.
	assert.Equal(t, 2, got.IterationCount)
	assert.Len(t, got.Traces, 1)
}

func TestToolFailureThresholdFailsUnit(t *testing.T) {
	env := newLoopEnv(t, defaultScript(), LoopConfig{
		Mode:                 ModeFixed,
		MaxIterations:        10,
		ToolFailureThreshold: 2,
	}, topics.Config{})
	env.tools.Register("vector_search", ToolExecutorFunc(func(ctx context.Context, query string) (string, error) {
		return "", errors.New("backend down")
	}), ToolConfig{Enabled: true})
	unit := env.acquire(t, "Topic A")

	err := env.controller.Run(context.Background(), unit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold")

	got, qerr := env.queue.Unit(unit.ID)
	require.NoError(t, qerr)
	assert.Empty(t, got.Traces)
}

func TestDiscoveryInsertsAboveThreshold(t *testing.T) {
	script := defaultScript()
	script.plan = func(in PlanInput) (QueryPlan, error) {
		return QueryPlan{
			ToolType: "vector_search",
			Query:    "q",
			NewTopic: &TopicProposal{Title: "Discovered Topic", Overview: "found it", Score: 0.9},
		}, nil
	}
	env := newLoopEnv(t, script, LoopConfig{
		Mode:             ModeFlexible,
		MaxIterations:    1,
		NewTopicMinScore: 0.85,
	}, topics.Config{})
	unit := env.acquire(t, "Topic A")

	require.NoError(t, env.controller.Run(context.Background(), unit))

	s := env.queue.Statistics()
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Pending)
	assert.True(t, env.queue.HasTopic("discovered topic"))
}

func TestDiscoveryBelowThresholdDropped(t *testing.T) {
	script := defaultScript()
	script.plan = func(in PlanInput) (QueryPlan, error) {
		return QueryPlan{
			ToolType: "vector_search",
			Query:    "q",
			NewTopic: &TopicProposal{Title: "Marginal Topic", Score: 0.5},
		}, nil
	}
	env := newLoopEnv(t, script, LoopConfig{
		Mode:             ModeFlexible,
		MaxIterations:    1,
		NewTopicMinScore: 0.85,
	}, topics.Config{})
	unit := env.acquire(t, "Topic A")

	require.NoError(t, env.controller.Run(context.Background(), unit))
	assert.Equal(t, 1, env.queue.Statistics().Total)
}

func TestDiscoveryCapacityRejectionIsNotFatal(t *testing.T) {
	script := defaultScript()
	script.plan = func(in PlanInput) (QueryPlan, error) {
		return QueryPlan{
			ToolType: "vector_search",
			Query:    "q",
			NewTopic: &TopicProposal{Title: "Will Not Fit", Score: 0.99},
		}, nil
	}
	env := newLoopEnv(t, script, LoopConfig{
		Mode:             ModeFlexible,
		MaxIterations:    1,
		NewTopicMinScore: 0.85,
	}, topics.Config{MaxLength: 1})
	unit := env.acquire(t, "Topic A")

	require.NoError(t, env.controller.Run(context.Background(), unit))

	got, err := env.queue.Unit(unit.ID)
	require.NoError(t, err)
	assert.Len(t, got.Traces, 1)
	assert.Equal(t, 1, env.queue.Statistics().Total)
}

func TestMalformedOutputIsRetried(t *testing.T) {
	var attempts atomic.Int32
	script := defaultScript()
	script.raw = func(kind PromptKind) (string, bool) {
		if kind == PromptSufficiency && attempts.Add(1) < 3 {
			return "definitely not json", true
		}
		return "", false
	}
	env := newLoopEnv(t, script, LoopConfig{
		Mode:             ModeFlexible,
		MaxIterations:    1,
		ReasoningRetries: 3,
		RetryBackoff:     time.Millisecond,
	}, topics.Config{})
	unit := env.acquire(t, "Topic A")

	require.NoError(t, env.controller.Run(context.Background(), unit))
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestRetryExhaustionFailsUnit(t *testing.T) {
	script := defaultScript()
	script.raw = func(kind PromptKind) (string, bool) {
		if kind == PromptSufficiency {
			return "garbage", true
		}
		return "", false
	}
	env := newLoopEnv(t, script, LoopConfig{
		Mode:             ModeFlexible,
		MaxIterations:    1,
		ReasoningRetries: 2,
		RetryBackoff:     time.Millisecond,
	}, topics.Config{})
	unit := env.acquire(t, "Topic A")

	err := env.controller.Run(context.Background(), unit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sufficiency")
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestDisabledToolFallsBack(t *testing.T) {
	script := defaultScript()
	script.plan = func(in PlanInput) (QueryPlan, error) {
		return QueryPlan{ToolType: "web_search", Query: "q"}, nil // only vector_search is enabled
	}
	env := newLoopEnv(t, script, LoopConfig{Mode: ModeFlexible, MaxIterations: 1}, topics.Config{})
	unit := env.acquire(t, "Topic A")

	require.NoError(t, env.controller.Run(context.Background(), unit))

	got, err := env.queue.Unit(unit.ID)
	require.NoError(t, err)
	require.Len(t, got.Traces, 1)
	assert.Equal(t, "vector_search", got.Traces[0].ToolType)
}

func TestNoEnabledToolCountsTowardThreshold(t *testing.T) {
	env := newLoopEnv(t, defaultScript(), LoopConfig{
		Mode:                 ModeFixed,
		MaxIterations:        10,
		ToolFailureThreshold: 2,
	}, topics.Config{})
	env.tools.SetEnabled("vector_search", false)
	unit := env.acquire(t, "Topic A")

	err := env.controller.Run(context.Background(), unit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no enabled tool")
}

func TestCancellationStopsBetweenIterations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	script := defaultScript()
	script.sufficiency = func(in SufficiencyInput) (SufficiencyResult, error) {
		return SufficiencyResult{Sufficient: false}, nil
	}
	script.note = func(in NoteInput) (NoteResult, error) {
		cancel() // cancel mid-iteration; the current step still finishes
		return NoteResult{Summary: "last note"}, nil
	}
	env := newLoopEnv(t, script, LoopConfig{Mode: ModeFixed, MaxIterations: 10}, topics.Config{})
	unit := env.acquire(t, "Topic A")

	err := env.controller.Run(ctx, unit)
	require.ErrorIs(t, err, context.Canceled)

	// The in-flight iteration completed its trace append before stopping.
	got, qerr := env.queue.Unit(unit.ID)
	require.NoError(t, qerr)
	assert.Len(t, got.Traces, 1)
	assert.Equal(t, 1, got.IterationCount)
}

func TestSummaryTruncatedToBound(t *testing.T) {
	script := defaultScript()
	script.note = func(in NoteInput) (NoteResult, error) {
		long := make([]byte, 5000)
		for i := range long {
			long[i] = 'x'
		}
		return NoteResult{Summary: string(long)}, nil
	}
	env := newLoopEnv(t, script, LoopConfig{
		Mode:            ModeFlexible,
		MaxIterations:   1,
		MaxSummaryChars: 100,
	}, topics.Config{})
	unit := env.acquire(t, "Topic A")

	require.NoError(t, env.controller.Run(context.Background(), unit))

	got, err := env.queue.Unit(unit.ID)
	require.NoError(t, err)
	require.Len(t, got.Traces, 1)
	assert.Len(t, got.Traces[0].Summary, 100)
}

func TestSummaryTruncationKeepsRuneBoundary(t *testing.T) {
	script := defaultScript()
	script.note = func(in NoteInput) (NoteResult, error) {
		// 60 two-byte runes; a byte cap of 99 falls inside the 50th rune.
		return NoteResult{Summary: strings.Repeat("é", 60)}, nil
	}
	env := newLoopEnv(t, script, LoopConfig{
		Mode:            ModeFlexible,
		MaxIterations:   1,
		MaxSummaryChars: 99,
	}, topics.Config{})
	unit := env.acquire(t, "Topic A")

	require.NoError(t, env.controller.Run(context.Background(), unit))

	got, err := env.queue.Unit(unit.ID)
	require.NoError(t, err)
	require.Len(t, got.Traces, 1)
	summary := got.Traces[0].Summary
	assert.True(t, utf8.ValidString(summary))
	assert.Len(t, summary, 98)
}
