package sor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/reward"
	"github.com/jdziat/ecoscan/pkg/security"
	"github.com/jdziat/ecoscan/pkg/storage"
	"github.com/jdziat/ecoscan/pkg/wal"
)

// Store is the system of record.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ reward.CharacterSource  = (*Store)(nil)
	_ reward.OwnershipChecker = (*Store)(nil)
)

// Open connects to dsn. postgres:// DSNs use PostgreSQL, anything else SQLite.
func Open(dsn string, opts ...storage.PoolOption) (*Store, error) {
	db, err := storage.Open(dsn, opts...)
	if err != nil {
		return nil, fmt.Errorf("sor: %w", err)
	}
	return New(db), nil
}

// New wraps an open database.
func New(db *gorm.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "sor"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DB returns the underlying database handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return storage.Close(s.db)
}

// Migrate creates the necessary tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(Models()...)
}

// UpsertTask inserts or replaces a task record. Replaying the same record is a no-op.
func (s *Store) UpsertTask(ctx context.Context, rec *TaskRecord) error {
	if err := security.ValidateTaskID(rec.TaskID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "task_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"root_task_id", "job_id", "task_name", "status", "category", "confidence",
				"pipeline_result_json", "reward_decision_json", "error_message", "worker_name",
				"retry_count", "started_at", "completed_at", "updated_at",
			}),
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("sor: upsert %s: %w", rec.TaskID, dbError(err))
	}
	return nil
}

// GetTask returns a task record.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	var rec TaskRecord
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sor: get %s: %w", taskID, err)
	}
	return &rec, nil
}

// TasksByRoot returns every task of one chain, oldest first.
func (s *Store) TasksByRoot(ctx context.Context, rootTaskID string) ([]TaskRecord, error) {
	var recs []TaskRecord
	err := s.db.WithContext(ctx).
		Where("root_task_id = ? OR task_id = ?", rootTaskID, rootTaskID).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("sor: tasks of %s: %w", rootTaskID, err)
	}
	return recs, nil
}

// GrantOwnership records that userID owns characterID. An existing pair is success;
// created reports whether a row was written.
func (s *Store) GrantOwnership(ctx context.Context, userID, characterID, source string) (bool, error) {
	row := &Ownership{
		UserID:      userID,
		CharacterID: characterID,
		Source:      source,
		AcquiredAt:  s.now(),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "character_id"}},
			DoNothing: true,
		}).
		Create(row)
	if err := dbError(res.Error); err != nil {
		if errors.Is(err, core.ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("sor: grant %s to %s: %w", characterID, userID, err)
	}
	return res.RowsAffected == 1, nil
}

// HasOwnership reports whether userID owns characterID.
func (s *Store) HasOwnership(ctx context.Context, userID, characterID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&Ownership{}).
		Where("user_id = ? AND character_id = ?", userID, characterID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("sor: ownership: %w", err)
	}
	return n > 0, nil
}

// Ownerships returns the characters collected by a user.
func (s *Store) Ownerships(ctx context.Context, userID string) ([]Ownership, error) {
	var rows []Ownership
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("acquired_at ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sor: ownerships: %w", err)
	}
	return rows, nil
}

// ListCharacters returns the catalog.
func (s *Store) ListCharacters(ctx context.Context) ([]reward.Character, error) {
	var rows []Character
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sor: characters: %w", err)
	}
	out := make([]reward.Character, len(rows))
	for i, r := range rows {
		out[i] = reward.Character{ID: r.ID, Name: r.Name, Type: r.Type, Dialog: r.Dialog, MatchCategory: r.MatchCategory}
	}
	return out, nil
}

// ImportCharacters upserts catalog rows by id and returns the number written.
func (s *Store) ImportCharacters(ctx context.Context, chars []reward.Character) (int64, error) {
	if len(chars) == 0 {
		return 0, nil
	}
	rows := make([]Character, 0, len(chars))
	for _, c := range chars {
		if c.ID == "" || c.Name == "" {
			return 0, fmt.Errorf("sor: character %q: id and name are required", c.ID)
		}
		rows = append(rows, Character{ID: c.ID, Name: c.Name, Type: c.Type, Dialog: c.Dialog, MatchCategory: c.MatchCategory})
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "type", "dialog", "match_category", "updated_at"}),
		}).
		CreateInBatches(rows, 100)
	if res.Error != nil {
		return 0, fmt.Errorf("sor: import characters: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// exported mirrors the parts of a chain record the store indexes.
type exported struct {
	Classification *struct {
		MajorCategory  string  `json:"major_category"`
		MiddleCategory string  `json:"middle_category"`
		MinorCategory  string  `json:"minor_category"`
		Confidence     float64 `json:"confidence"`
	} `json:"classification"`
	Reward json.RawMessage `json:"reward"`
}

// RecordFromEntry converts a terminal WAL row to its system of record form.
func RecordFromEntry(e *wal.Entry) *TaskRecord {
	rec := &TaskRecord{
		TaskID:      e.TaskID,
		TaskName:    e.TaskName,
		Status:      e.Status,
		WorkerName:  e.WorkerName,
		RetryCount:  e.RetryCount,
		CreatedAt:   e.CreatedAt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
	}
	var msg core.TaskMessage
	if len(e.Args) > 0 && json.Unmarshal(e.Args, &msg) == nil {
		rec.RootTaskID = msg.Root()
		rec.JobID = msg.JobID
	}
	if e.Error != "" {
		errMsg := e.Error
		rec.ErrorMessage = &errMsg
	}
	if len(e.Result) == 0 {
		return rec
	}
	rec.PipelineResult = e.Result

	var out exported
	if err := json.Unmarshal(e.Result, &out); err != nil {
		return rec
	}
	if c := out.Classification; c != nil {
		category := c.MinorCategory
		if category == "" {
			category = c.MiddleCategory
		}
		if category == "" {
			category = c.MajorCategory
		}
		if category != "" {
			rec.Category = &category
		}
		if c.Confidence > 0 {
			confidence := c.Confidence
			rec.Confidence = &confidence
		}
	}
	if len(out.Reward) > 0 && string(out.Reward) != "null" {
		rec.RewardDecision = datatypes.JSON(out.Reward)
	}
	return rec
}

// SyncFromWAL copies one terminal WAL row. It is the reconciler's sync function.
func (s *Store) SyncFromWAL(ctx context.Context, e *wal.Entry) error {
	if !e.Status.IsTerminal() {
		return fmt.Errorf("sor: %s is still %s", e.TaskID, e.Status)
	}
	return s.UpsertTask(ctx, RecordFromEntry(e))
}

// dbError marks unique constraint violations as duplicates.
func dbError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", core.ErrDuplicate, err)
	}
	return err
}
