package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/zulandar/snapline/internal/escalate"
	"github.com/zulandar/snapline/internal/models"
	"github.com/zulandar/snapline/internal/queue"
	"github.com/zulandar/snapline/internal/stages"
)

const (
	defaultConcurrency  = 4
	defaultPollInterval = 2 * time.Second
)

// Queue is the queue surface the pool needs.
type Queue interface {
	Enqueuer
	Claim(ctx context.Context, workerID string) (*models.Job, error)
	Complete(ctx context.Context, id, workerID, status string) error
	Reschedule(ctx context.Context, id, workerID string, attempt int, runAfter time.Time, cause error) error
	Fail(ctx context.Context, id, workerID string, cause error) (bool, error)
}

// Runner executes one stage.
type Runner interface {
	Run(ctx context.Context, stage string, job stages.Job) (stages.Outcome, error)
}

// Escalator reports a chain that failed terminally.
type Escalator interface {
	Escalate(ctx context.Context, f escalate.Failure)
}

// PoolOpts configures a Pool.
type PoolOpts struct {
	Queue        Queue
	Runner       Runner
	Escalator    Escalator
	Concurrency  int
	PollInterval time.Duration
	Name         string // worker ID prefix
	Out          io.Writer
	Now          func() time.Time
}

// Pool is a fixed set of workers draining the queue.
type Pool struct {
	queue     Queue
	runner    Runner
	escalator Escalator
	workers   int
	poll      time.Duration
	name      string
	out       io.Writer
	now       func() time.Time
}

// NewPool validates opts and creates a Pool.
func NewPool(opts PoolOpts) (*Pool, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("pipeline: queue is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("pipeline: runner is required")
	}
	if opts.Escalator == nil {
		return nil, fmt.Errorf("pipeline: escalator is required")
	}
	p := &Pool{
		queue:     opts.Queue,
		runner:    opts.Runner,
		escalator: opts.Escalator,
		workers:   opts.Concurrency,
		poll:      opts.PollInterval,
		name:      opts.Name,
		out:       opts.Out,
		now:       opts.Now,
	}
	if p.workers <= 0 {
		p.workers = defaultConcurrency
	}
	if p.poll <= 0 {
		p.poll = defaultPollInterval
	}
	if p.name == "" {
		p.name = "worker"
	}
	if p.out == nil {
		p.out = io.Discard
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Run starts the workers and blocks until ctx is canceled and every worker
// has finished its current job. Cancellation never interrupts a running
// stage.
func (p *Pool) Run(ctx context.Context) error {
	fmt.Fprintf(p.out, "Worker pool starting (%d workers, poll every %s)...\n", p.workers, p.poll)

	var wg sync.WaitGroup
	for i := range p.workers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.loop(ctx, id)
		}(fmt.Sprintf("%s-%d", p.name, i))
	}
	wg.Wait()

	fmt.Fprintf(p.out, "Worker pool stopped.\n")
	return nil
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.ProcessNext(ctx, workerID)
		if err != nil {
			log.Printf("pipeline: %s: %v", workerID, err)
		}
		if !processed {
			sleepWithContext(ctx, p.poll)
		}
	}
}

// ProcessNext claims and runs one job. It reports whether a job was
// claimed. Cancelling ctx stops the claim, but a claimed job runs to
// completion and its outcome is recorded.
func (p *Pool) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	job, err := p.queue.Claim(ctx, workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	ctx = context.WithoutCancel(ctx)
	outcome, runErr := p.run(ctx, job)
	if runErr != nil {
		return true, p.handleError(ctx, job, runErr)
	}

	if outcome == stages.Skipped {
		fmt.Fprintf(p.out, "Job %s (%s, card %s) skipped\n", job.ID, job.Stage, job.CardID)
		return true, p.queue.Complete(ctx, job.ID, job.WorkerID, queue.StatusSkipped)
	}
	if err := p.queue.Complete(ctx, job.ID, job.WorkerID, queue.StatusDone); err != nil {
		return true, err
	}
	fmt.Fprintf(p.out, "Job %s (%s, card %s) done\n", job.ID, job.Stage, job.CardID)
	return true, p.enqueueNext(ctx, job)
}

// run executes the stage, converting a panic into a permanent error.
func (p *Pool) run(ctx context.Context, job *models.Job) (outcome stages.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = stages.Permanent(fmt.Errorf("pipeline: stage %s panicked: %v", job.Stage, r))
		}
	}()
	return p.runner.Run(ctx, job.Stage, stages.Job{
		ChainID:  job.ChainID,
		CardID:   job.CardID,
		Channel:  job.Channel,
		CardName: job.CardName,
		Comment:  job.Comment,
	})
}

func (p *Pool) enqueueNext(ctx context.Context, job *models.Job) error {
	remaining := queue.RemainingStages(job)
	if len(remaining) == 0 {
		return nil
	}
	next := remaining[0]
	_, err := p.queue.Enqueue(ctx, queue.Spec{
		ChainID:    job.ChainID,
		Stage:      next,
		CardID:     job.CardID,
		Channel:    job.Channel,
		CardName:   job.CardName,
		Comment:    job.Comment,
		Remaining:  remaining[1:],
		MaxRetries: PolicyFor(next).MaxRetries,
	})
	if err != nil {
		// The finished stage cannot be rerun, so a lost link fails the chain.
		p.escalator.Escalate(ctx, escalate.Failure{
			ChainID:  job.ChainID,
			JobID:    job.ID,
			Stage:    next,
			CardID:   job.CardID,
			Channel:  job.Channel,
			CardName: job.CardName,
			Err:      err,
		})
		return fmt.Errorf("pipeline: enqueue %s: %w", next, err)
	}
	return nil
}

func (p *Pool) handleError(ctx context.Context, job *models.Job, runErr error) error {
	if !stages.IsPermanent(runErr) && job.Attempt < job.MaxRetries {
		attempt := job.Attempt + 1
		delay := PolicyFor(job.Stage).Delay(attempt)
		log.Printf("pipeline: card=%s chain=%s %s failed (retry %d/%d in %s): %v",
			job.CardID, job.ChainID, job.Stage, attempt, job.MaxRetries, delay, runErr)
		return p.queue.Reschedule(ctx, job.ID, job.WorkerID, attempt, p.now().Add(delay), runErr)
	}

	won, err := p.queue.Fail(ctx, job.ID, job.WorkerID, runErr)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	fmt.Fprintf(p.out, "Job %s (%s, card %s) failed: %v\n", job.ID, job.Stage, job.CardID, runErr)
	p.escalator.Escalate(ctx, escalate.Failure{
		ChainID:  job.ChainID,
		JobID:    job.ID,
		Stage:    job.Stage,
		CardID:   job.CardID,
		Channel:  job.Channel,
		CardName: job.CardName,
		Err:      runErr,
		Attempts: job.Attempt + 1,
	})
	return nil
}

// sleepWithContext sleeps for d or until ctx is canceled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
