// Package kvstore implements the shared key-value store used to pass
// pipeline state between stages, backed by a single SQL table.
//
// Every operation is one statement (or a read followed by one write for
// MergeJSON); there are no multi-key transactions, so callers must tolerate
// observing a partially updated card.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/snapline/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is a TTL-aware key-value store over the kv_entries table.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Store on db. The kv_entries table must already exist.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("kvstore: db is required")
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.now().Add(ttl).UTC()
	return &t
}

// live restricts a query to entries that have not expired.
func (s *Store) live(tx *gorm.DB) *gorm.DB {
	return tx.Where("(expires_at IS NULL OR expires_at > ?)", s.now().UTC())
}

// Get returns the value stored under key. The boolean is false when the key
// is absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry models.KVEntry
	err := s.live(s.db.WithContext(ctx).Where("`key` = ?", key)).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return entry.Value, true, nil
}

// GetString is Get for text values.
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.Get(ctx, key)
	return string(v), ok, err
}

// Set stores value under key, replacing any previous value. A ttl of zero
// stores the entry without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := models.KVEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: s.expiry(ttl),
		UpdatedAt: s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value under key only if no live entry exists. It returns
// true iff this call created the entry. An expired entry is cleared first
// so expiry releases the key exactly as if it had been deleted.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tx := s.db.WithContext(ctx)
	if err := tx.Where("`key` = ? AND expires_at IS NOT NULL AND expires_at <= ?", key, s.now().UTC()).
		Delete(&models.KVEntry{}).Error; err != nil {
		return false, fmt.Errorf("kvstore: setnx %s: clear expired: %w", key, err)
	}

	entry := models.KVEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: s.expiry(ttl),
		UpdatedAt: s.now().UTC(),
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if result.Error != nil {
		return false, fmt.Errorf("kvstore: setnx %s: %w", key, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Delete removes the given keys and returns how many live entries were
// removed. Expired entries under the same keys are removed too but not
// counted.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tx := s.db.WithContext(ctx)
	result := s.live(tx.Where("`key` IN ?", keys)).Delete(&models.KVEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("kvstore: delete: %w", result.Error)
	}
	if err := tx.Where("`key` IN ?", keys).Delete(&models.KVEntry{}).Error; err != nil {
		return result.RowsAffected, fmt.Errorf("kvstore: delete expired: %w", err)
	}
	return result.RowsAffected, nil
}

// MergeJSON merges fields into the JSON object stored under key and
// refreshes its ttl. A missing or unparseable value starts from an empty
// object.
func (s *Store) MergeJSON(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	current := map[string]any{}
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &current); err != nil {
			current = map[string]any{}
		}
	}
	for k, v := range fields {
		current[k] = v
	}
	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("kvstore: merge %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// GetJSON decodes the JSON object stored under key. A missing key yields an
// empty map.
func (s *Store) GetJSON(ctx context.Context, key string) (map[string]any, error) {
	out := map[string]any{}
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}, fmt.Errorf("kvstore: decode %s: %w", key, err)
	}
	return out, nil
}

// PurgeExpired deletes every expired entry and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", s.now().UTC()).
		Delete(&models.KVEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("kvstore: purge expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
