// Package maintenance runs periodic housekeeping on cron schedules: channel
// registry refresh, expired key purge, finished job purge and recovery of
// jobs abandoned by a dead worker.
package maintenance

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/snapline/internal/escalate"
	"github.com/zulandar/snapline/internal/queue"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Default schedules and ages.
const (
	PurgeKeysSchedule    = "17 * * * *"
	PurgeJobsSchedule    = "40 3 * * *"
	RequeueStaleSchedule = "*/5 * * * *"

	JobRetention = 7 * 24 * time.Hour
	// StaleAfter must exceed the longest a single stage can run, LLM
	// retries included.
	StaleAfter = time.Hour

	taskTimeout = 5 * time.Minute
)

// Task is one scheduled job.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (string, error)
}

// Scheduler runs tasks on their schedules.
type Scheduler struct {
	cron  *cron.Cron
	tasks map[string]Task
	out   io.Writer
}

// NewScheduler validates every schedule and registers the tasks.
func NewScheduler(tasks []Task, out io.Writer) (*Scheduler, error) {
	if out == nil {
		out = io.Discard
	}
	s := &Scheduler{
		cron:  cron.New(cron.WithParser(cronParser)),
		tasks: make(map[string]Task, len(tasks)),
		out:   out,
	}
	for _, t := range tasks {
		if t.Name == "" || t.Run == nil {
			return nil, fmt.Errorf("maintenance: task name and func are required")
		}
		if _, dup := s.tasks[t.Name]; dup {
			return nil, fmt.Errorf("maintenance: duplicate task %q", t.Name)
		}
		sched, err := cronParser.Parse(t.Schedule)
		if err != nil {
			return nil, fmt.Errorf("maintenance: task %s: schedule %q: %w", t.Name, t.Schedule, err)
		}
		s.tasks[t.Name] = t
		s.cron.Schedule(sched, cron.FuncJob(func() { s.run(context.Background(), t) }))
	}
	return s, nil
}

// Run starts the scheduler and blocks until ctx is canceled, then waits for
// running tasks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	fmt.Fprintf(s.out, "Maintenance scheduler started (%d tasks)\n", len(s.tasks))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	fmt.Fprintf(s.out, "Maintenance scheduler stopped.\n")
	return nil
}

// RunNow runs the named task immediately.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("maintenance: unknown task %q", name)
	}
	return s.run(ctx, t)
}

func (s *Scheduler) run(ctx context.Context, t Task) error {
	ctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()
	summary, err := t.Run(ctx)
	if err != nil {
		log.Printf("maintenance: %s: %v", t.Name, err)
		return err
	}
	if summary != "" {
		fmt.Fprintf(s.out, "Maintenance %s: %s\n", t.Name, summary)
	}
	return nil
}

// KeyPurger removes expired keys.
type KeyPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// JobJanitor cleans the job table.
type JobJanitor interface {
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
	RequeueStale(ctx context.Context, before time.Time) (queue.StaleResult, error)
}

// Escalator reports a chain whose job was lost with no retries left.
type Escalator interface {
	Escalate(ctx context.Context, f escalate.Failure)
}

// RefreshTask reloads channels on schedule.
func RefreshTask(schedule string, refresh func(ctx context.Context) (int, error)) Task {
	return Task{
		Name:     "refresh-channels",
		Schedule: schedule,
		Run: func(ctx context.Context) (string, error) {
			n, err := refresh(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d channels loaded", n), nil
		},
	}
}

// PurgeKeysTask deletes expired key-value entries.
func PurgeKeysTask(p KeyPurger) Task {
	return Task{
		Name:     "purge-keys",
		Schedule: PurgeKeysSchedule,
		Run: func(ctx context.Context) (string, error) {
			n, err := p.PurgeExpired(ctx)
			if err != nil || n == 0 {
				return "", err
			}
			return fmt.Sprintf("%d expired keys removed", n), nil
		},
	}
}

// PurgeJobsTask deletes finished jobs older than JobRetention.
func PurgeJobsTask(j JobJanitor, now func() time.Time) Task {
	return Task{
		Name:     "purge-jobs",
		Schedule: PurgeJobsSchedule,
		Run: func(ctx context.Context) (string, error) {
			n, err := j.PurgeFinished(ctx, now().Add(-JobRetention))
			if err != nil || n == 0 {
				return "", err
			}
			return fmt.Sprintf("%d finished jobs removed", n), nil
		},
	}
}

// RequeueStaleTask recovers jobs stuck in running for StaleAfter. Jobs with
// retries left are requeued; the rest fail and are escalated.
func RequeueStaleTask(j JobJanitor, esc Escalator, now func() time.Time) Task {
	return Task{
		Name:     "requeue-stale",
		Schedule: RequeueStaleSchedule,
		Run: func(ctx context.Context) (string, error) {
			res, err := j.RequeueStale(ctx, now().Add(-StaleAfter))
			if err != nil {
				return "", err
			}
			for _, job := range res.Failed {
				esc.Escalate(ctx, escalate.Failure{
					ChainID:  job.ChainID,
					JobID:    job.ID,
					Stage:    job.Stage,
					CardID:   job.CardID,
					Channel:  job.Channel,
					CardName: job.CardName,
					Err:      queue.ErrWorkerLost,
					Attempts: job.Attempt + 1,
				})
			}
			switch {
			case res.Requeued == 0 && len(res.Failed) == 0:
				return "", nil
			case len(res.Failed) == 0:
				return fmt.Sprintf("%d stale jobs requeued", res.Requeued), nil
			default:
				return fmt.Sprintf("%d stale jobs requeued, %d failed", res.Requeued, len(res.Failed)), nil
			}
		},
	}
}
