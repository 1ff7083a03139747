package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/snapline/internal/kvstore"
	"github.com/zulandar/snapline/internal/testsupport"
)

func newTestGate(t *testing.T) (*Gate, *kvstore.Store, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, err := kvstore.New(testsupport.OpenDB(t), kvstore.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("kvstore.New: %v", err)
	}
	g, err := New(store, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, store, &now
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(nil, 0); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestAcquire_TwiceReturnsTrueThenFalse(t *testing.T) {
	g, _, _ := newTestGate(t)
	ctx := context.Background()

	first, err := g.Acquire(ctx, StageScript, "C1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := g.Acquire(ctx, StageScript, "C1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !first || second {
		t.Errorf("Acquire = (%v, %v), want (true, false)", first, second)
	}
}

func TestAcquire_StagesAndCardsAreIndependent(t *testing.T) {
	g, _, _ := newTestGate(t)
	ctx := context.Background()

	for _, tc := range []struct{ stage, card string }{
		{StageScript, "C1"},
		{StageVoice, "C1"},
		{StageScript, "C2"},
	} {
		ok, err := g.Acquire(ctx, tc.stage, tc.card)
		if err != nil || !ok {
			t.Errorf("Acquire(%s, %s) = (%v, %v), want (true, nil)", tc.stage, tc.card, ok, err)
		}
	}
}

func TestAcquire_WritesSentinel(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	g.Acquire(ctx, StageScript, "C1")
	v, ok, _ := store.GetString(ctx, kvstore.ScriptKey("C1"))
	if !ok || v != kvstore.InProgress {
		t.Errorf("script key = (%q, %v), want sentinel", v, ok)
	}
	if kvstore.IsScript(v) {
		t.Error("sentinel must not be mistaken for a script")
	}
}

func TestAcquire_ExpiresAfterTTL(t *testing.T) {
	g, _, now := newTestGate(t)
	ctx := context.Background()

	g.Acquire(ctx, StageVoice, "C1")
	*now = now.Add(DefaultTTL - time.Second)
	if ok, _ := g.Acquire(ctx, StageVoice, "C1"); ok {
		t.Fatal("expected gate to still be held inside the window")
	}
	*now = now.Add(2 * time.Second)
	if ok, _ := g.Acquire(ctx, StageVoice, "C1"); !ok {
		t.Error("expected gate to be free after expiry")
	}
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	g, _, _ := newTestGate(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := g.Acquire(ctx, StageScript, "C9"); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
}

func TestAcquire_RequiresArguments(t *testing.T) {
	g, _, _ := newTestGate(t)
	if _, err := g.Acquire(context.Background(), "", "C1"); err == nil {
		t.Error("expected error for empty stage")
	}
	if _, err := g.Acquire(context.Background(), StageScript, ""); err == nil {
		t.Error("expected error for empty card")
	}
}

func TestReset_ClearsAllKeys(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	g.Acquire(ctx, StageScript, "C1")
	g.Acquire(ctx, StageVoice, "C1")
	store.Set(ctx, kvstore.AudioKey("C1"), []byte("mp3"), time.Hour)
	store.Set(ctx, kvstore.StatsKey("C1"), []byte("{}"), time.Hour)
	store.Set(ctx, kvstore.ScriptKey("C2"), []byte("other card"), time.Hour)

	n, err := g.Reset(ctx, "C1")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if n != 4 {
		t.Errorf("Reset cleared %d keys, want 4", n)
	}
	if ok, _ := g.Acquire(ctx, StageScript, "C1"); !ok {
		t.Error("expected script gate to be free after reset")
	}
	if _, ok, _ := store.Get(ctx, kvstore.ScriptKey("C2")); !ok {
		t.Error("reset touched another card")
	}
}

type failingStore struct{}

func (failingStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errors.New("db down")
}

func (failingStore) Delete(context.Context, ...string) (int64, error) {
	return 0, errors.New("db down")
}

func TestGate_PropagatesStoreErrors(t *testing.T) {
	g, _ := New(failingStore{}, time.Hour)
	if _, err := g.Acquire(context.Background(), StageScript, "C1"); err == nil {
		t.Error("expected Acquire error")
	}
	if _, err := g.Reset(context.Background(), "C1"); err == nil {
		t.Error("expected Reset error")
	}
}

func TestRelease_AllowsReacquire(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	g.Acquire(ctx, StageVoice, "C1")
	g.Acquire(ctx, StageScript, "C1")
	if err := g.Release(ctx, StageVoice, "C1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok, _ := store.Get(ctx, kvstore.ScriptKey("C1")); !ok {
		t.Error("Release removed another stage's marker")
	}
	ok, err := g.Acquire(ctx, StageVoice, "C1")
	if err != nil || !ok {
		t.Errorf("Acquire after Release = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestRelease_RequiresStageAndCard(t *testing.T) {
	g, _, _ := newTestGate(t)
	if err := g.Release(context.Background(), "", "C1"); err == nil {
		t.Error("expected error for empty stage")
	}
}
