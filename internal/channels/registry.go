package channels

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultMaxAge is how long a fetched snapshot is served before Current
// refetches it.
const DefaultMaxAge = 5 * time.Minute

// Source fetches the full channel list from one backing store.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]Channel, error)
}

// Registry holds the current channel snapshot and when it was fetched.
// There is no package-level cache: callers share a *Registry explicitly.
type Registry struct {
	source Source
	maxAge time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	snapshot  *Snapshot
	fetchedAt time.Time
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithMaxAge overrides the freshness window.
func WithMaxAge(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.maxAge = d
		}
	}
}

// WithRegistryClock overrides the time source.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty Registry over source. Call Refresh to load it.
func NewRegistry(source Source, opts ...RegistryOption) (*Registry, error) {
	if source == nil {
		return nil, fmt.Errorf("channels: source is required")
	}
	r := &Registry{
		source:   source,
		maxAge:   DefaultMaxAge,
		now:      time.Now,
		snapshot: NewSnapshot(nil),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Refresh fetches the channel list and replaces the snapshot wholesale. On
// failure the previous snapshot is kept and the error is returned.
func (r *Registry) Refresh(ctx context.Context) error {
	list, err := r.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("channels: refresh from %s: %w", r.source.Name(), err)
	}
	snap := NewSnapshot(list)

	r.mu.Lock()
	r.snapshot = snap
	r.fetchedAt = r.now()
	r.mu.Unlock()

	log.Printf("channels: loaded %d channels from %s", snap.Len(), r.source.Name())
	return nil
}

// Current returns the snapshot, refreshing it first when it is older than
// the freshness window. A failed refresh serves the last good snapshot.
func (r *Registry) Current(ctx context.Context) *Snapshot {
	if r.Stale() {
		if err := r.Refresh(ctx); err != nil {
			log.Printf("channels: %v (serving last snapshot)", err)
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Stale reports whether the snapshot is older than the freshness window or
// was never fetched.
func (r *Registry) Stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fetchedAt.IsZero() || r.now().Sub(r.fetchedAt) >= r.maxAge
}

// FetchedAt returns when the current snapshot was loaded.
func (r *Registry) FetchedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fetchedAt
}

// SourceName names the backing source.
func (r *Registry) SourceName() string {
	return r.source.Name()
}

// Lookup resolves a channel name against the current snapshot.
func (r *Registry) Lookup(ctx context.Context, name string) (Channel, bool) {
	return r.Current(ctx).Lookup(name)
}
