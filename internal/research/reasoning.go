// Package research runs the per-unit iterative research loop: sufficiency
// check, query planning, tool dispatch, note compression and dynamic
// sub-topic discovery.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// PromptKind tags the structured contract a reasoning call must satisfy
type PromptKind string

const (
	PromptSufficiency PromptKind = "sufficiency"
	PromptPlan        PromptKind = "query_plan"
	PromptNote        PromptKind = "note_summary"
	PromptDecompose   PromptKind = "decompose"
)

// ErrMalformedOutput is returned when reasoning output cannot be decoded
// into the contract for its prompt kind. Malformed output is recoverable
// and retried with re-prompting, bounded.
var ErrMalformedOutput = errors.New("malformed reasoning output")

// Reasoner is the opaque reasoning-function boundary. Implementations
// receive a prompt kind plus structured input and return raw model text
// containing JSON for that kind's contract. Prompt construction, model
// selection and token accounting all live behind this interface.
type Reasoner interface {
	Reason(ctx context.Context, kind PromptKind, input interface{}) (string, error)
}

// SufficiencyInput is the structured input for PromptSufficiency
type SufficiencyInput struct {
	Title     string   `json:"title"`
	Overview  string   `json:"overview"`
	Iteration int      `json:"iteration"`
	Notes     []string `json:"notes"`
}

// SufficiencyResult reports whether enough knowledge has been gathered.
// It is purely advisory except for the stop decision in flexible mode.
type SufficiencyResult struct {
	Sufficient bool   `json:"sufficient"`
	Reason     string `json:"reason,omitempty"`
}

// PlanInput is the structured input for PromptPlan
type PlanInput struct {
	Title        string   `json:"title"`
	Overview     string   `json:"overview"`
	Iteration    int      `json:"iteration"`
	Notes        []string `json:"notes"`
	AllowedTools []string `json:"allowed_tools"`
}

// TopicProposal is an optional sub-topic discovered while planning
type TopicProposal struct {
	Title    string  `json:"title"`
	Overview string  `json:"overview"`
	Score    float64 `json:"score"` // relevance in [0,1]
}

// QueryPlan names one tool, one query and the rationale for both
type QueryPlan struct {
	ToolType  string         `json:"tool_type"`
	Query     string         `json:"query"`
	Rationale string         `json:"rationale,omitempty"`
	NewTopic  *TopicProposal `json:"new_topic,omitempty"`
}

// NoteInput is the structured input for PromptNote
type NoteInput struct {
	Title     string `json:"title"`
	Query     string `json:"query"`
	RawAnswer string `json:"raw_answer"`
	MaxChars  int    `json:"max_chars"`
}

// NoteResult is a bounded-length compression of a raw tool answer
type NoteResult struct {
	Summary string `json:"summary"`
}

// DecomposeInput is the structured input for PromptDecompose
type DecomposeInput struct {
	Topic        string `json:"topic"`
	MaxSubtopics int    `json:"max_subtopics"`
}

// Subtopic is one planned research direction from decomposition
type Subtopic struct {
	Title    string `json:"title"`
	Overview string `json:"overview"`
}

// Decomposition is the planning-stage breakdown of a topic
type Decomposition struct {
	Subtopics []Subtopic `json:"subtopics"`
}

// decode parses reasoning output text into the given contract struct,
// tolerating code fences and surrounding prose.
func decode(raw string, out interface{}) error {
	fragment, ok := ExtractJSON(raw)
	if !ok {
		return fmt.Errorf("%w: no JSON found in output", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(fragment), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}
