package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/zulandar/snapline/internal/models"
	"github.com/zulandar/snapline/internal/queue"
)

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, spec queue.Spec) (*models.Job, error)
}

// Start identifies the card a chain runs for.
type Start struct {
	CardID   string
	Channel  string
	CardName string
}

// Dispatcher starts pipeline chains.
type Dispatcher struct {
	queue Enqueuer
}

// NewDispatcher creates a Dispatcher over q.
func NewDispatcher(q Enqueuer) (*Dispatcher, error) {
	if q == nil {
		return nil, fmt.Errorf("pipeline: queue is required")
	}
	return &Dispatcher{queue: q}, nil
}

// StartScript enqueues the script pipeline and returns the chain ID.
func (d *Dispatcher) StartScript(ctx context.Context, s Start) (string, error) {
	return d.start(ctx, ScriptPipeline, s, "")
}

// StartRevision enqueues the revision pipeline with the producer's feedback.
func (d *Dispatcher) StartRevision(ctx context.Context, s Start, comment string) (string, error) {
	return d.start(ctx, RevisionPipeline, s, comment)
}

// StartVoice enqueues the voice-and-deliver pipeline.
func (d *Dispatcher) StartVoice(ctx context.Context, s Start) (string, error) {
	return d.start(ctx, VoicePipeline, s, "")
}

func (d *Dispatcher) start(ctx context.Context, stages []string, s Start, comment string) (string, error) {
	job, err := d.queue.Enqueue(ctx, queue.Spec{
		Stage:      stages[0],
		CardID:     s.CardID,
		Channel:    s.Channel,
		CardName:   s.CardName,
		Comment:    comment,
		Remaining:  stages[1:],
		MaxRetries: PolicyFor(stages[0]).MaxRetries,
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: start %s: %w", stages[0], err)
	}
	log.Printf("pipeline: card=%s chain=%s started %v", s.CardID, job.ChainID, stages)
	return job.ChainID, nil
}
