package wal

import (
	"time"

	"gorm.io/datatypes"

	"github.com/jdziat/ecoscan/pkg/core"
)

// Entry is one task row.
type Entry struct {
	TaskID      string          `gorm:"primaryKey;size:128" json:"task_id"`
	TaskName    string          `gorm:"size:64;index" json:"task_name"`
	WorkerName  string          `gorm:"size:128" json:"worker_name"`
	Args        datatypes.JSON  `json:"args,omitempty"`
	Kwargs      datatypes.JSON  `json:"kwargs,omitempty"`
	Status      core.TaskStatus `gorm:"size:16;index;not null" json:"status"`
	Result      datatypes.JSON  `json:"result,omitempty"`
	Error       string          `gorm:"type:text" json:"error,omitempty"`
	RetryCount  int             `gorm:"default:0" json:"retry_count"`
	CreatedAt   time.Time       `gorm:"index" json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `gorm:"index" json:"completed_at,omitempty"`
	SyncedToSoR bool            `gorm:"column:synced_to_sor;index;default:false" json:"synced_to_sor"`
}

// TableName returns the table name for GORM.
func (Entry) TableName() string {
	return "wal_tasks"
}

// CheckpointRecord is an append-only row written by every checkpoint.
type CheckpointRecord struct {
	ID           uint      `gorm:"primaryKey"`
	Time         time.Time `gorm:"index"`
	SyncedCount  int64
	PendingCount int64
}

// TableName returns the table name for GORM.
func (CheckpointRecord) TableName() string {
	return "wal_checkpoints"
}

// NewEntry describes a task received from the broker.
type NewEntry struct {
	TaskID   string
	TaskName string
	Args     []byte
	Kwargs   []byte
}

// Stats summarizes the log.
type Stats struct {
	Total          int64
	Pending        int64
	Running        int64
	Success        int64
	Failure        int64
	Unsynced       int64
	LastCheckpoint *time.Time
}

// RecoveryReport is produced by Recover.
type RecoveryReport struct {
	Scanned   int
	Failed    []string
	Resumable []string
	Duration  time.Duration
}
