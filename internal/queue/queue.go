// Package queue is the durable job queue shared by the HTTP surface (which
// enqueues) and the worker pool (which claims and runs). It lives in the
// same database as the key-value store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/snapline/internal/models"
	"gorm.io/gorm"
)

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

var (
	// ErrNotHeld means the job is no longer running under the caller's claim.
	ErrNotHeld = errors.New("job not held by this worker")
	// ErrWorkerLost is recorded on jobs recovered from a dead worker.
	ErrWorkerLost = errors.New("worker stopped before the stage finished")
)

// claimBatch is how many candidates Claim considers per call.
const claimBatch = 8

// Spec describes a job to enqueue.
type Spec struct {
	ChainID    string
	Stage      string
	CardID     string
	Channel    string
	CardName   string
	Comment    string
	Remaining  []string
	Attempt    int
	MaxRetries int
	RunAfter   time.Time
}

// Queue wraps the jobs table.
type Queue struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates a Queue on db.
func New(db *gorm.DB, opts ...Option) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("queue: db is required")
	}
	q := &Queue{db: db, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue inserts a queued job. A missing ChainID starts a new chain; a zero
// RunAfter makes the job runnable immediately.
func (q *Queue) Enqueue(ctx context.Context, spec Spec) (*models.Job, error) {
	if spec.Stage == "" {
		return nil, fmt.Errorf("queue: stage is required")
	}
	if spec.CardID == "" {
		return nil, fmt.Errorf("queue: card id is required")
	}
	remaining := spec.Remaining
	if remaining == nil {
		remaining = []string{}
	}
	rem, err := json.Marshal(remaining)
	if err != nil {
		return nil, fmt.Errorf("queue: encode remaining: %w", err)
	}
	now := q.now().UTC()
	runAfter := spec.RunAfter.UTC()
	if spec.RunAfter.IsZero() {
		runAfter = now
	}
	chainID := spec.ChainID
	if chainID == "" {
		chainID = uuid.NewString()
	}
	job := &models.Job{
		ID:         uuid.NewString(),
		ChainID:    chainID,
		Stage:      spec.Stage,
		CardID:     spec.CardID,
		Channel:    spec.Channel,
		CardName:   spec.CardName,
		Comment:    spec.Comment,
		Remaining:  string(rem),
		Attempt:    spec.Attempt,
		MaxRetries: spec.MaxRetries,
		Status:     StatusQueued,
		RunAfter:   runAfter,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("queue: enqueue %s for %s: %w", spec.Stage, spec.CardID, err)
	}
	return job, nil
}

// Claim assigns the oldest runnable job to workerID. It returns nil, nil
// when nothing is runnable. Each candidate is taken with a conditional
// update so that exactly one worker wins it.
func (q *Queue) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("queue: worker id is required")
	}
	now := q.now().UTC()
	tx := q.db.WithContext(ctx)

	var candidates []models.Job
	if err := tx.Where("status = ? AND run_after <= ?", StatusQueued, now).
		Order("run_after ASC, created_at ASC").
		Limit(claimBatch).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("queue: find runnable: %w", err)
	}

	for i := range candidates {
		job := &candidates[i]
		result := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, StatusQueued).
			Updates(map[string]interface{}{
				"status":     StatusRunning,
				"worker_id":  workerID,
				"updated_at": now,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("queue: claim %s: %w", job.ID, result.Error)
		}
		if result.RowsAffected == 1 {
			job.Status = StatusRunning
			job.WorkerID = workerID
			job.UpdatedAt = now
			return job, nil
		}
	}
	return nil, nil
}

// Complete marks a running job finished with status done or skipped. Only
// the worker holding the claim can finish it.
func (q *Queue) Complete(ctx context.Context, id, workerID, status string) error {
	if status != StatusDone && status != StatusSkipped {
		return fmt.Errorf("queue: complete %s: invalid status %q", id, status)
	}
	now := q.now().UTC()
	result := q.held(ctx, id, workerID).Updates(map[string]interface{}{
		"status":      status,
		"updated_at":  now,
		"finished_at": now,
	})
	if result.Error != nil {
		return fmt.Errorf("queue: finish %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: finish %s: %w", id, ErrNotHeld)
	}
	return nil
}

// Reschedule returns a running job to the queue for another attempt.
func (q *Queue) Reschedule(ctx context.Context, id, workerID string, attempt int, runAfter time.Time, cause error) error {
	result := q.held(ctx, id, workerID).Updates(map[string]interface{}{
		"status":     StatusQueued,
		"attempt":    attempt,
		"run_after":  runAfter.UTC(),
		"last_error": errorText(cause),
		"worker_id":  "",
		"updated_at": q.now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("queue: reschedule %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: reschedule %s: %w", id, ErrNotHeld)
	}
	return nil
}

// Fail marks a running job failed. It reports true only for the call that
// made the transition, so a chain's failure is acted on once.
func (q *Queue) Fail(ctx context.Context, id, workerID string, cause error) (bool, error) {
	now := q.now().UTC()
	result := q.held(ctx, id, workerID).Updates(map[string]interface{}{
		"status":      StatusFailed,
		"last_error":  errorText(cause),
		"updated_at":  now,
		"finished_at": now,
	})
	if result.Error != nil {
		return false, fmt.Errorf("queue: fail %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// held scopes an update to a job still running under workerID's claim.
func (q *Queue) held(ctx context.Context, id, workerID string) *gorm.DB {
	return q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND worker_id = ?", id, StatusRunning, workerID)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Get loads one job.
func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := q.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	return &job, nil
}

// List returns the most recently created jobs, newest first.
func (q *Queue) List(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []models.Job
	if err := q.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return jobs, nil
}

// Chain returns the jobs of one chain in creation order.
func (q *Queue) Chain(ctx context.Context, chainID string) ([]models.Job, error) {
	var jobs []models.Job
	if err := q.db.WithContext(ctx).Where("chain_id = ?", chainID).
		Order("created_at ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("queue: chain %s: %w", chainID, err)
	}
	return jobs, nil
}

// StaleResult reports what RequeueStale did.
type StaleResult struct {
	Requeued int
	// Failed holds the jobs that had no retries left, as marked failed.
	Failed []models.Job
}

// RequeueStale recovers running jobs not updated since before, left behind
// by a worker that died mid-stage. A lost run counts as an attempt: jobs with
// retries left go back to the queue, the rest are marked failed and returned
// so the caller can escalate them.
func (q *Queue) RequeueStale(ctx context.Context, before time.Time) (StaleResult, error) {
	var res StaleResult
	tx := q.db.WithContext(ctx)

	var stale []models.Job
	if err := tx.Where("status = ? AND updated_at < ?", StatusRunning, before.UTC()).
		Order("updated_at ASC").Find(&stale).Error; err != nil {
		return res, fmt.Errorf("queue: find stale: %w", err)
	}

	for i := range stale {
		job := &stale[i]
		now := q.now().UTC()
		updates := map[string]interface{}{
			"last_error": ErrWorkerLost.Error(),
			"worker_id":  "",
			"updated_at": now,
		}
		if job.Attempt < job.MaxRetries {
			updates["status"] = StatusQueued
			updates["attempt"] = job.Attempt + 1
			updates["run_after"] = now
		} else {
			updates["status"] = StatusFailed
			updates["finished_at"] = now
		}
		result := q.held(ctx, job.ID, job.WorkerID).
			Where("updated_at < ?", before.UTC()).
			Updates(updates)
		if result.Error != nil {
			return res, fmt.Errorf("queue: requeue stale %s: %w", job.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}
		if updates["status"] == StatusQueued {
			res.Requeued++
			continue
		}
		job.Status = StatusFailed
		job.LastError = ErrWorkerLost.Error()
		job.WorkerID = ""
		job.FinishedAt = &now
		res.Failed = append(res.Failed, *job)
	}
	return res, nil
}

// PurgeFinished deletes done, skipped and failed jobs that finished before
// the cutoff.
func (q *Queue) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	result := q.db.WithContext(ctx).
		Where("status IN ? AND finished_at < ?", []string{StatusDone, StatusSkipped, StatusFailed}, before.UTC()).
		Delete(&models.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: purge finished: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// RemainingStages decodes a job's Remaining column.
func RemainingStages(job *models.Job) []string {
	if job == nil || job.Remaining == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(job.Remaining), &out); err != nil {
		return nil
	}
	return out
}
