package sor

import (
	"time"

	"gorm.io/datatypes"

	"github.com/jdziat/ecoscan/pkg/core"
)

// TaskRecord is the durable outcome of one chain task.
type TaskRecord struct {
	TaskID         string          `gorm:"primaryKey;size:128" json:"task_id"`
	RootTaskID     string          `gorm:"size:128;index" json:"root_task_id,omitempty"`
	JobID          string          `gorm:"size:64;index" json:"job_id,omitempty"`
	TaskName       string          `gorm:"size:64" json:"task_name"`
	Status         core.TaskStatus `gorm:"size:16;index;not null" json:"status"`
	Category       *string         `gorm:"size:128" json:"category,omitempty"`
	Confidence     *float64        `json:"confidence,omitempty"`
	PipelineResult datatypes.JSON  `gorm:"column:pipeline_result_json" json:"pipeline_result_json,omitempty"`
	RewardDecision datatypes.JSON  `gorm:"column:reward_decision_json" json:"reward_decision_json,omitempty"`
	ErrorMessage   *string         `gorm:"type:text" json:"error_message,omitempty"`
	WorkerName     string          `gorm:"size:128" json:"worker_name,omitempty"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (TaskRecord) TableName() string {
	return "scan_tasks"
}

// Ownership records that a user collected a character. A pair is stored at most once.
type Ownership struct {
	ID          uint      `gorm:"primaryKey"`
	UserID      string    `gorm:"size:128;not null;uniqueIndex:idx_ownership_user_character"`
	CharacterID string    `gorm:"size:128;not null;uniqueIndex:idx_ownership_user_character"`
	Source      string    `gorm:"size:32"`
	AcquiredAt  time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM.
func (Ownership) TableName() string {
	return "character_ownerships"
}

// Character is a catalog row.
type Character struct {
	ID            string    `gorm:"primaryKey;size:128"`
	Name          string    `gorm:"size:128;not null"`
	Type          string    `gorm:"size:64"`
	Dialog        string    `gorm:"type:text"`
	MatchCategory string    `gorm:"size:128;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName returns the table name for GORM.
func (Character) TableName() string {
	return "characters"
}

// DisposalRule holds the sorting steps of one category. Steps and cautions are JSON
// arrays of strings.
type DisposalRule struct {
	Category  string         `gorm:"primaryKey;size:128"`
	Steps     datatypes.JSON `gorm:"not null"`
	Cautions  datatypes.JSON
	Source    string `gorm:"size:256"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the table name for GORM.
func (DisposalRule) TableName() string {
	return "disposal_rules"
}

// Models lists every table managed by the store.
func Models() []any {
	return []any{&TaskRecord{}, &Ownership{}, &Character{}, &DisposalRule{}, &Facility{}}
}
