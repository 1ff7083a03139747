// Package gate admits at most one in-flight pipeline run per (stage, card).
//
// The gate is a create-if-absent entry in the shared key-value store with a
// fixed 24 hour expiry. Expiry frees the key, Release drops it when the
// admitted run could not be started, and Reset clears it early for manual
// recovery.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/snapline/internal/kvstore"
)

// DefaultTTL bounds how long a stage stays locked after a trigger.
const DefaultTTL = 24 * time.Hour

// Stage keys guarded by the gate.
const (
	StageScript = "script"
	StageVoice  = "voice"
)

// Store is the subset of the key-value store the gate needs.
type Store interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
}

// Gate is the idempotency gate.
type Gate struct {
	store Store
	ttl   time.Duration
}

// New creates a Gate over store. A ttl of zero uses DefaultTTL.
func New(store Store, ttl time.Duration) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("gate: store is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{store: store, ttl: ttl}, nil
}

// Acquire atomically marks stage as in progress for cardID. It returns true
// iff this caller created the marker.
func (g *Gate) Acquire(ctx context.Context, stage, cardID string) (bool, error) {
	if stage == "" || cardID == "" {
		return false, fmt.Errorf("gate: stage and card id are required")
	}
	ok, err := g.store.SetNX(ctx, kvstore.StageKey(stage, cardID), []byte(kvstore.InProgress), g.ttl)
	if err != nil {
		return false, fmt.Errorf("gate: acquire %s/%s: %w", stage, cardID, err)
	}
	return ok, nil
}

// Release drops the marker for stage on cardID. It is only for a caller
// that won Acquire but failed to start the run it was admitted for.
func (g *Gate) Release(ctx context.Context, stage, cardID string) error {
	if stage == "" || cardID == "" {
		return fmt.Errorf("gate: stage and card id are required")
	}
	if _, err := g.store.Delete(ctx, kvstore.StageKey(stage, cardID)); err != nil {
		return fmt.Errorf("gate: release %s/%s: %w", stage, cardID, err)
	}
	return nil
}

// Reset clears every gate marker and pipeline state entry for cardID and
// returns how many live keys were removed.
func (g *Gate) Reset(ctx context.Context, cardID string) (int64, error) {
	if cardID == "" {
		return 0, fmt.Errorf("gate: card id is required")
	}
	n, err := g.store.Delete(ctx,
		kvstore.ScriptKey(cardID),
		kvstore.VoiceKey(cardID),
		kvstore.AudioKey(cardID),
		kvstore.StatsKey(cardID),
	)
	if err != nil {
		return n, fmt.Errorf("gate: reset %s: %w", cardID, err)
	}
	return n, nil
}
