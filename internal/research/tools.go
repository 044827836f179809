package research

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kestrel-Research/kestrel/go/researcher/internal/metrics"
)

var (
	// ErrToolDisabled is returned when a plan names a tool that is not enabled
	ErrToolDisabled = errors.New("tool disabled")

	// ErrToolUnknown is returned when a plan names a tool with no executor
	ErrToolUnknown = errors.New("unknown tool")
)

// ToolExecutor is the opaque retrieval-tool boundary: one executor per
// tool type, returning raw text. Errors are always recoverable at the
// loop level.
type ToolExecutor interface {
	Execute(ctx context.Context, query string) (string, error)
}

// ToolExecutorFunc adapts a function to the ToolExecutor interface
type ToolExecutorFunc func(ctx context.Context, query string) (string, error)

func (f ToolExecutorFunc) Execute(ctx context.Context, query string) (string, error) {
	return f(ctx, query)
}

// ToolConfig holds per-tool settings from the capability table
type ToolConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// RPM limits requests per minute to this tool; 0 means unlimited.
	RPM int `mapstructure:"rpm" yaml:"rpm"`
}

type toolEntry struct {
	executor ToolExecutor
	enabled  bool
	limiter  *rate.Limiter
}

// ToolSet is the capability table mapping tool type to an enabled flag and
// an executor handle. Enablement can be flipped at runtime by the config
// watcher without touching the loop controller.
type ToolSet struct {
	logger *zap.Logger

	mu    sync.RWMutex
	tools map[string]*toolEntry
}

// NewToolSet creates an empty capability table
func NewToolSet(logger *zap.Logger) *ToolSet {
	return &ToolSet{
		logger: logger,
		tools:  make(map[string]*toolEntry),
	}
}

// Register adds an executor for a tool type
func (s *ToolSet) Register(toolType string, executor ToolExecutor, cfg ToolConfig) {
	var limiter *rate.Limiter
	if cfg.RPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RPM)/60.0), 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[toolType] = &toolEntry{
		executor: executor,
		enabled:  cfg.Enabled,
		limiter:  limiter,
	}
}

// SetEnabled flips a tool's enabled flag; unknown tools are ignored
func (s *ToolSet) SetEnabled(toolType string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.tools[toolType]; ok && entry.enabled != enabled {
		entry.enabled = enabled
		s.logger.Info("Tool enablement changed",
			zap.String("tool_type", toolType),
			zap.Bool("enabled", enabled),
		)
	}
}

// ApplyCapabilities updates enablement from a reloaded capability table.
// Tools absent from the table keep their current state.
func (s *ToolSet) ApplyCapabilities(caps map[string]ToolConfig) {
	for toolType, cfg := range caps {
		s.SetEnabled(toolType, cfg.Enabled)
	}
}

// Enabled reports whether a tool type exists and is enabled
func (s *ToolSet) Enabled(toolType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.tools[toolType]
	return ok && entry.enabled
}

// EnabledTypes returns the sorted list of currently enabled tool types
func (s *ToolSet) EnabledTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for toolType, entry := range s.tools {
		if entry.enabled {
			out = append(out, toolType)
		}
	}
	sort.Strings(out)
	return out
}

// Execute dispatches a query to the named tool, honoring its rate limit
func (s *ToolSet) Execute(ctx context.Context, toolType, query string) (string, error) {
	s.mu.RLock()
	entry, ok := s.tools[toolType]
	s.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolUnknown, toolType)
	}
	if !entry.enabled {
		return "", fmt.Errorf("%w: %s", ErrToolDisabled, toolType)
	}
	if entry.limiter != nil {
		if err := entry.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}

	start := time.Now()
	raw, err := entry.executor.Execute(ctx, query)
	elapsed := time.Since(start)
	metrics.ToolExecutionDuration.WithLabelValues(toolType).Observe(float64(elapsed.Milliseconds()))

	if err != nil {
		metrics.ToolExecutions.WithLabelValues(toolType, "error").Inc()
		s.logger.Warn("Tool execution failed",
			zap.String("tool_type", toolType),
			zap.String("query", query),
			zap.Error(err),
		)
		return "", fmt.Errorf("tool %s: %w", toolType, err)
	}
	metrics.ToolExecutions.WithLabelValues(toolType, "ok").Inc()
	return raw, nil
}
