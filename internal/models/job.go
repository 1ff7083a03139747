package models

import "time"

// Job is one queued unit of pipeline work: a single stage run for a card.
// Jobs belonging to the same pipeline share a ChainID; Remaining holds the
// JSON array of stage names still to run after this one.
type Job struct {
	ID         string    `gorm:"primaryKey;size:36"`
	ChainID    string    `gorm:"size:36;not null;index"`
	Stage      string    `gorm:"size:32;not null"`
	CardID     string    `gorm:"size:64;not null;index"`
	Channel    string    `gorm:"size:128"`
	CardName   string    `gorm:"size:512"`
	Comment    string    `gorm:"type:text"`
	Remaining  string    `gorm:"type:json"`
	Attempt    int       `gorm:"default:0"`
	MaxRetries int       `gorm:"default:0"`
	Status     string    `gorm:"size:16;default:queued;index:idx_status_run_after"`
	RunAfter   time.Time `gorm:"index:idx_status_run_after"`
	WorkerID   string    `gorm:"size:64"`
	LastError  string    `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}
