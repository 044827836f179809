// Package citations allocates the citation identifiers that bind report
// text to the tool calls that produced it. Ids are unique within one
// research run and the registry is append-only.
package citations

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kestrel-Research/kestrel/go/researcher/internal/metrics"
)

// ErrCitationNotFound is returned by Lookup for an unknown citation id
var ErrCitationNotFound = errors.New("citation not found")

// SourceMetadata records where a citation id points
type SourceMetadata struct {
	CitationID     string    `json:"citation_id"`
	Stage          string    `json:"stage"` // planning or research
	ToolType       string    `json:"tool_type,omitempty"`
	Query          string    `json:"query,omitempty"`
	UnitID         string    `json:"unit_id,omitempty"`
	SequenceInUnit int       `json:"sequence_in_unit,omitempty"`
	AllocatedAt    time.Time `json:"allocated_at"`
}

// Registry hands out citation ids for one research run. Planning-stage ids
// are a flat sequence ("[1]", "[2]", ...); research-stage ids compose the
// unit's ordinal with a per-unit sequence ("[3.1]"), so two units can
// allocate concurrently without coordinating beyond the registry's map.
type Registry struct {
	researchID string
	logger     *zap.Logger

	mu              sync.RWMutex
	planningCounter int
	unitCounters    map[string]int // unit id -> last sequence
	entries         map[string]SourceMetadata
	order           []string // citation ids in allocation order
}

// NewRegistry creates an empty registry for one research run
func NewRegistry(researchID string, logger *zap.Logger) *Registry {
	return &Registry{
		researchID:   researchID,
		logger:       logger,
		unitCounters: make(map[string]int),
		entries:      make(map[string]SourceMetadata),
	}
}

// ResearchID returns the id of the run this registry belongs to
func (r *Registry) ResearchID() string {
	return r.researchID
}

// Allocate assigns the next research-stage citation id for a unit
func (r *Registry) Allocate(unitID string, unitOrdinal int, toolType, query string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.unitCounters[unitID] + 1
	r.unitCounters[unitID] = seq
	id := fmt.Sprintf("[%d.%d]", unitOrdinal, seq)

	r.entries[id] = SourceMetadata{
		CitationID:     id,
		Stage:          "research",
		ToolType:       toolType,
		Query:          query,
		UnitID:         unitID,
		SequenceInUnit: seq,
		AllocatedAt:    time.Now(),
	}
	r.order = append(r.order, id)
	metrics.CitationsAllocated.WithLabelValues("research").Inc()

	r.logger.Debug("Allocated citation",
		zap.String("research_id", r.researchID),
		zap.String("citation_id", id),
		zap.String("unit_id", unitID),
	)
	return id
}

// AllocatePlanning assigns the next planning-stage citation id. Planning
// ids exist before any unit does (topic rephrasing and decomposition).
func (r *Registry) AllocatePlanning(source string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.planningCounter++
	id := fmt.Sprintf("[%d]", r.planningCounter)

	r.entries[id] = SourceMetadata{
		CitationID:  id,
		Stage:       "planning",
		Query:       source,
		AllocatedAt: time.Now(),
	}
	r.order = append(r.order, id)
	metrics.CitationsAllocated.WithLabelValues("planning").Inc()
	return id
}

// Lookup resolves a citation id to its source metadata
func (r *Registry) Lookup(citationID string) (SourceMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.entries[citationID]
	if !ok {
		return SourceMetadata{}, ErrCitationNotFound
	}
	return meta, nil
}

// AllRegistered returns every citation in allocation order, for the report
// generator.
func (r *Registry) AllRegistered() []SourceMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SourceMetadata, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// Count returns the number of allocated citations
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// RegistryState is the durable form of a registry
type RegistryState struct {
	ResearchID      string           `json:"research_id"`
	PlanningCounter int              `json:"planning_counter"`
	UnitCounters    map[string]int   `json:"unit_counters"`
	Entries         []SourceMetadata `json:"entries"` // allocation order
	SavedAt         time.Time        `json:"saved_at"`
}

// Snapshot captures the registry state for persistence
func (r *Registry) Snapshot() RegistryState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := RegistryState{
		ResearchID:      r.researchID,
		PlanningCounter: r.planningCounter,
		UnitCounters:    make(map[string]int, len(r.unitCounters)),
		Entries:         make([]SourceMetadata, 0, len(r.order)),
		SavedAt:         time.Now(),
	}
	for k, v := range r.unitCounters {
		state.UnitCounters[k] = v
	}
	for _, id := range r.order {
		state.Entries = append(state.Entries, r.entries[id])
	}
	return state
}

// RestoreRegistry rebuilds a registry from persisted state
func RestoreRegistry(state RegistryState, logger *zap.Logger) *Registry {
	r := NewRegistry(state.ResearchID, logger)
	r.planningCounter = state.PlanningCounter
	for k, v := range state.UnitCounters {
		r.unitCounters[k] = v
	}
	for _, meta := range state.Entries {
		r.entries[meta.CitationID] = meta
		r.order = append(r.order, meta.CitationID)
	}
	return r
}
