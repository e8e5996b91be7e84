package domain

import (
	"time"

	"github.com/google/uuid"
)

// Sync run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Sync modes.
const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
)

// SyncRun logs one adapter invocation. Created at start, finalized once at
// the end; immutable afterwards.
type SyncRun struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Source string    `gorm:"column:source;not null;index" json:"source"`
	Mode   string    `gorm:"column:mode;not null" json:"mode"`

	StartedAt   time.Time  `gorm:"column:started_at;not null;index" json:"started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	Status      string     `gorm:"column:status;not null;index" json:"status"`
	Error       string     `gorm:"column:error" json:"error,omitempty"`

	RecordsSynced    int `gorm:"column:records_synced;not null;default:0" json:"records_synced"`
	RecordsCreated   int `gorm:"column:records_created;not null;default:0" json:"records_created"`
	RecordsUpdated   int `gorm:"column:records_updated;not null;default:0" json:"records_updated"`
	RecordsSkipped   int `gorm:"column:records_skipped;not null;default:0" json:"records_skipped"`
	RecordsUnmatched int `gorm:"column:records_unmatched;not null;default:0" json:"records_unmatched"`
	RecordsFailed    int `gorm:"column:records_failed;not null;default:0" json:"records_failed"`

	DurationSeconds float64 `gorm:"column:duration_seconds;not null;default:0" json:"duration_seconds"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (SyncRun) TableName() string { return "sync_run" }
