package models

import "time"

// KVEntry is one key in the shared key-value store. A nil ExpiresAt means
// the entry never expires; otherwise reads treat it as absent once
// ExpiresAt has passed.
type KVEntry struct {
	Key       string     `gorm:"primaryKey;size:191"`
	Value     []byte     `gorm:"type:longblob"`
	ExpiresAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TableName keeps the table name stable across model renames.
func (KVEntry) TableName() string { return "kv_entries" }

// Expired reports whether the entry is past its expiry at now.
func (e *KVEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}
