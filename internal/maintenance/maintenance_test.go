package maintenance

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/snapline/internal/escalate"
	"github.com/zulandar/snapline/internal/kvstore"
	"github.com/zulandar/snapline/internal/queue"
	"github.com/zulandar/snapline/internal/testsupport"
)

func TestNewScheduler_Validation(t *testing.T) {
	noop := func(context.Context) (string, error) { return "", nil }
	tests := []struct {
		name  string
		tasks []Task
		want  string
	}{
		{"bad schedule", []Task{{Name: "a", Schedule: "every minute", Run: noop}}, "schedule"},
		{"six fields", []Task{{Name: "a", Schedule: "0 */5 * * * *", Run: noop}}, "schedule"},
		{"duplicate", []Task{{Name: "a", Schedule: "* * * * *", Run: noop}, {Name: "a", Schedule: "* * * * *", Run: noop}}, "duplicate"},
		{"missing func", []Task{{Name: "a", Schedule: "* * * * *"}}, "required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScheduler(tt.tasks, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want to contain %q", err, tt.want)
			}
		})
	}
}

func TestRunNow(t *testing.T) {
	var out bytes.Buffer
	calls := 0
	s, err := NewScheduler([]Task{RefreshTask("*/5 * * * *", func(context.Context) (int, error) {
		calls++
		return 3, nil
	})}, &out)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if err := s.RunNow(context.Background(), "refresh-channels"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !strings.Contains(out.String(), "3 channels loaded") {
		t.Errorf("out = %q", out.String())
	}
	if err := s.RunNow(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestRunNow_PropagatesError(t *testing.T) {
	s, _ := NewScheduler([]Task{RefreshTask("* * * * *", func(context.Context) (int, error) {
		return 0, errors.New("sheet down")
	})}, nil)
	if err := s.RunNow(context.Background(), "refresh-channels"); err == nil {
		t.Error("expected error")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, _ := NewScheduler(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPurgeKeysTask(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store, _ := kvstore.New(testsupport.OpenDB(t), kvstore.WithClock(clock))
	ctx := context.Background()
	store.Set(ctx, "a", []byte("1"), time.Minute)
	now = now.Add(time.Hour)

	summary, err := PurgeKeysTask(store).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary != "1 expired keys removed" {
		t.Errorf("summary = %q", summary)
	}
}

type recordingEscalator struct {
	failures []escalate.Failure
}

func (e *recordingEscalator) Escalate(_ context.Context, f escalate.Failure) {
	e.failures = append(e.failures, f)
}

func TestJobTasks(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q, _ := queue.New(testsupport.OpenDB(t), queue.WithClock(clock))
	ctx := context.Background()
	esc := &recordingEscalator{}

	q.Enqueue(ctx, queue.Spec{Stage: "write_script", CardID: "C1", MaxRetries: 1})
	job, _ := q.Claim(ctx, "dead-worker")
	if job == nil {
		t.Fatal("expected a claimed job")
	}

	now = now.Add(StaleAfter / 2)
	if summary, _ := RequeueStaleTask(q, esc, clock).Run(ctx); summary != "" {
		t.Errorf("requeued too early: %q", summary)
	}
	now = now.Add(StaleAfter)
	summary, err := RequeueStaleTask(q, esc, clock).Run(ctx)
	if err != nil || summary != "1 stale jobs requeued" {
		t.Errorf("requeue = %q, %v", summary, err)
	}
	if len(esc.failures) != 0 {
		t.Errorf("escalated a job with retries left: %+v", esc.failures)
	}

	job, _ = q.Claim(ctx, "w-2")
	q.Complete(ctx, job.ID, "w-2", queue.StatusDone)
	now = now.Add(JobRetention + time.Hour)
	summary, err = PurgeJobsTask(q, clock).Run(ctx)
	if err != nil || summary != "1 finished jobs removed" {
		t.Errorf("purge = %q, %v", summary, err)
	}
}

func TestRequeueStaleTask_EscalatesExhaustedJob(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q, _ := queue.New(testsupport.OpenDB(t), queue.WithClock(clock))
	ctx := context.Background()
	esc := &recordingEscalator{}

	job, _ := q.Enqueue(ctx, queue.Spec{Stage: "deliver", CardID: "C1", Channel: "ShowA (Snap)", CardName: "Big News"})
	q.Claim(ctx, "dead-worker")
	now = now.Add(2 * StaleAfter)

	summary, err := RequeueStaleTask(q, esc, clock).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary != "0 stale jobs requeued, 1 failed" {
		t.Errorf("summary = %q", summary)
	}
	if len(esc.failures) != 1 {
		t.Fatalf("escalations = %d, want 1", len(esc.failures))
	}
	f := esc.failures[0]
	if f.JobID != job.ID || f.Stage != "deliver" || f.CardID != "C1" || !errors.Is(f.Err, queue.ErrWorkerLost) {
		t.Errorf("failure = %+v", f)
	}

	// A second sweep finds nothing and does not escalate again.
	if summary, _ := RequeueStaleTask(q, esc, clock).Run(ctx); summary != "" || len(esc.failures) != 1 {
		t.Errorf("second sweep = %q, escalations %d", summary, len(esc.failures))
	}
}
