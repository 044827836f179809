package research

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kestrel-Research/kestrel/go/researcher/internal/citations"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/metrics"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/topics"
)

// Decomposer seeds a queue from a single topic by asking the reasoner to
// break it into sub-topics. This is the planning stage: it runs before any
// unit exists, so its citations use the flat planning namespace.
type Decomposer struct {
	reasoner Reasoner
	registry *citations.Registry
	logger   *zap.Logger

	MaxSubtopics int
	Retries      int
	Backoff      time.Duration
}

// NewDecomposer creates a planning-stage decomposer
func NewDecomposer(reasoner Reasoner, registry *citations.Registry, logger *zap.Logger) *Decomposer {
	return &Decomposer{
		reasoner:     reasoner,
		registry:     registry,
		logger:       logger,
		MaxSubtopics: 5,
		Retries:      3,
		Backoff:      500 * time.Millisecond,
	}
}

// Seed decomposes the topic and inserts the resulting sub-topics as
// pending units. Duplicates among proposals are skipped; hitting the
// queue's capacity stops seeding with whatever fit. Returns the units
// actually inserted.
func (d *Decomposer) Seed(ctx context.Context, queue *topics.Queue, topic string) ([]topics.TopicUnit, error) {
	var decomp Decomposition
	err := reasonInto(ctx, d.reasoner, PromptDecompose, DecomposeInput{
		Topic:        topic,
		MaxSubtopics: d.MaxSubtopics,
	}, &decomp, d.Retries, d.Backoff)
	if err != nil {
		return nil, fmt.Errorf("decompose topic: %w", err)
	}
	if len(decomp.Subtopics) == 0 {
		return nil, fmt.Errorf("%w: decomposition produced no subtopics", ErrMalformedOutput)
	}

	var inserted []topics.TopicUnit
	for _, st := range decomp.Subtopics {
		if st.Title == "" {
			continue
		}
		unit, err := queue.Insert(st.Title, st.Overview)
		switch {
		case errors.Is(err, topics.ErrDuplicateTopic):
			d.logger.Debug("Skipping duplicate subtopic", zap.String("title", st.Title))
			continue
		case errors.Is(err, topics.ErrQueueFull):
			d.logger.Warn("Queue full during seeding",
				zap.String("topic", topic),
				zap.Int("inserted", len(inserted)),
			)
			return inserted, nil
		case err != nil:
			return inserted, fmt.Errorf("seed insert: %w", err)
		}
		d.registry.AllocatePlanning(st.Title)
		metrics.UnitsInserted.WithLabelValues("seed").Inc()
		inserted = append(inserted, unit)
	}
	if len(inserted) == 0 {
		return nil, fmt.Errorf("%w: all subtopics were duplicates", ErrMalformedOutput)
	}
	return inserted, nil
}
