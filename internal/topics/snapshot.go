package topics

import (
	"time"

	"go.uber.org/zap"
)

// QueueState is the durable form of a queue: the full ordered unit list
// with trace history, keyed by research id.
type QueueState struct {
	ResearchID string      `json:"research_id"`
	MaxLength  int         `json:"max_length"`
	MaxActive  int         `json:"max_active"`
	Units      []TopicUnit `json:"units"`
	SavedAt    time.Time   `json:"saved_at"`
}

// Snapshot captures the current queue state for persistence
func (q *Queue) Snapshot() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()

	state := QueueState{
		ResearchID: q.researchID,
		MaxLength:  q.maxLength,
		MaxActive:  q.maxActive,
		Units:      make([]TopicUnit, 0, len(q.units)),
		SavedAt:    time.Now(),
	}
	for _, u := range q.units {
		state.Units = append(state.Units, u.clone())
	}
	return state
}

// RestoreQueue rebuilds a queue from persisted state. Units that were
// active at snapshot time are marked failed rather than re-entered: their
// in-flight iteration state is gone, so re-acquiring them would be ambiguous.
func RestoreQueue(state QueueState, logger *zap.Logger) *Queue {
	q := NewQueue(state.ResearchID, Config{
		MaxLength: state.MaxLength,
		MaxActive: state.MaxActive,
	}, logger)

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range state.Units {
		u := state.Units[i].clone()
		if u.Status == StatusActive {
			u.Status = StatusFailed
			u.FailureReason = "interrupted"
			u.UpdatedAt = time.Now()
			logger.Warn("Unit was active at snapshot, marking failed on restore",
				zap.String("research_id", state.ResearchID),
				zap.String("unit_id", u.ID),
			)
		}
		unit := u
		q.units = append(q.units, &unit)
		q.titles[normalizeTitle(u.Title)] = len(q.units) - 1
	}
	return q
}
