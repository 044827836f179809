package topics

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateTopic is returned when an inserted title collides with an existing unit
	ErrDuplicateTopic = errors.New("duplicate topic")

	// ErrQueueFull is returned when the queue has reached its configured max length
	ErrQueueFull = errors.New("topic queue full")

	// ErrQueueEmpty is returned by AcquireNext when no pending unit exists
	ErrQueueEmpty = errors.New("no pending topic")

	// ErrActiveLimit is returned by AcquireNext while the active-unit cap is saturated
	ErrActiveLimit = errors.New("active unit limit reached")

	// ErrUnitNotFound is returned when a unit id does not exist in the queue
	ErrUnitNotFound = errors.New("topic unit not found")
)

// Status represents the lifecycle state of a topic unit
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// Terminal reports whether the status is an end state
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InvalidTransitionError is returned when a status change violates the
// Pending → Active → {Completed, Failed} lifecycle.
type InvalidTransitionError struct {
	UnitID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for unit %s: %s -> %s", e.UnitID, e.From, e.To)
}

// ToolTrace records one tool invocation against a unit. Traces are
// append-only: once attached to a unit they are never mutated or removed,
// so citation ids always resolve to the exact call that produced them.
type ToolTrace struct {
	TraceID    int       `json:"trace_id"`
	CitationID string    `json:"citation_id"`
	ToolType   string    `json:"tool_type"`
	Query      string    `json:"query"`
	RawAnswer  string    `json:"raw_answer"`
	Summary    string    `json:"summary"`
	Timestamp  time.Time `json:"timestamp"`
}

// TopicUnit is one schedulable piece of research work: a sub-topic plus
// its accumulated findings.
type TopicUnit struct {
	ID             string                 `json:"id"`
	Ordinal        int                    `json:"ordinal"` // insertion position within the run, 1-based
	Title          string                 `json:"title"`
	Overview       string                 `json:"overview"`
	Status         Status                 `json:"status"`
	Traces         []ToolTrace            `json:"traces"`
	IterationCount int                    `json:"iteration_count"`
	FailureReason  string                 `json:"failure_reason,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// NextTraceID returns the trace id the next appended trace will receive
func (u *TopicUnit) NextTraceID() int {
	return len(u.Traces) + 1
}

// Statistics is a point-in-time census of unit statuses
type Statistics struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
