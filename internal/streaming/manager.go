// Package streaming delivers research progress events to observers.
// Delivery is best-effort and never blocks the scheduler.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Kestrel-Research/kestrel/go/researcher/internal/metrics"
)

// Stage identifies which scheduler or loop transition produced an event
type Stage string

const (
	StageRunStarted     Stage = "run_started"
	StageRunFinished    Stage = "run_finished"
	StageUnitAcquired   Stage = "unit_acquired"
	StageUnitCompleted  Stage = "unit_completed"
	StageUnitFailed     Stage = "unit_failed"
	StageIteration      Stage = "iteration"
	StageToolCall       Stage = "tool_call"
	StageToolFailed     Stage = "tool_failed"
	StageNoteRecorded   Stage = "note_recorded"
	StageTopicInserted  Stage = "topic_inserted"
	StageSnapshotSaved  Stage = "snapshot_saved"
	StageSnapshotFailed Stage = "snapshot_failed"
)

// Event is one structured progress update for a research run
type Event struct {
	ResearchID    string    `json:"research_id"`
	Stage         Stage     `json:"stage"`
	UnitID        string    `json:"unit_id,omitempty"`
	UnitTitle     string    `json:"unit_title,omitempty"`
	Status        string    `json:"status,omitempty"`
	Iteration     int       `json:"iteration,omitempty"`
	ToolType      string    `json:"tool_type,omitempty"`
	CitationCount int       `json:"citation_count,omitempty"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Seq           uint64    `json:"seq"`
}

// Marshal returns the event as JSON for sinks and logs
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub of progress events per research run,
// with a per-run ring buffer so late subscribers can replay what they
// missed. One manager is scoped to one scheduler; there is no process-wide
// instance.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager whose per-run replay buffers hold capacity
// events each; capacity <= 0 selects a default of 256.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a research run; the caller must
// drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(researchID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[researchID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[researchID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it
func (m *Manager) Unsubscribe(researchID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[researchID]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, researchID)
		}
	}
}

// Publish fans an event out to all subscribers of the run (non-blocking).
// Events to slow subscribers are dropped rather than stalling the caller.
func (m *Manager) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	rg := m.history[evt.ResearchID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.ResearchID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	var subs []chan Event
	for ch := range m.subscribers[evt.ResearchID] {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	metrics.EventsPublished.Inc()
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

// ReplaySince returns buffered events with Seq > since, best-effort within
// ring capacity. Late subscribers use it to catch up after Subscribe.
// The ring is read under the lock; Publish mutates it under the write lock.
func (m *Manager) ReplaySince(researchID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[researchID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
