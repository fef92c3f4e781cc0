package wal

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
	"github.com/jdziat/ecoscan/pkg/security"
	"github.com/jdziat/ecoscan/pkg/storage"
)

var nonTerminal = []core.TaskStatus{core.StatusPending, core.StatusRunning}
var terminal = []core.TaskStatus{core.StatusSuccess, core.StatusFailure}

// WAL is the worker-local task log.
type WAL struct {
	db     *gorm.DB
	path   string
	cfg    Config
	logger *slog.Logger
}

var _ core.TaskLog = (*WAL)(nil)

// Open opens or creates the log at path. A worker must refuse to run when Open fails.
func Open(path string, opts ...Option) (*WAL, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := storage.OpenSQLite(path, cfg.SQLite)
	if err != nil {
		return nil, fmt.Errorf("wal: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}, &CheckpointRecord{}); err != nil {
		_ = storage.Close(db)
		return nil, fmt.Errorf("wal: migrate %s: %w", path, err)
	}

	return &WAL{
		db:     db,
		path:   path,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "wal", "path", path),
	}, nil
}

// Close closes the underlying database.
func (w *WAL) Close() error {
	return storage.Close(w.db)
}

// DB returns the underlying database handle.
func (w *WAL) DB() *gorm.DB {
	return w.db
}

// WriteTask records a received task.
func (w *WAL) WriteTask(ctx context.Context, taskID, taskName string, args []byte) (bool, error) {
	return w.WriteEntry(ctx, NewEntry{TaskID: taskID, TaskName: taskName, Args: args})
}

// WriteEntry inserts a PENDING row. A duplicate task id returns false without error.
func (w *WAL) WriteEntry(ctx context.Context, e NewEntry) (bool, error) {
	if err := security.ValidateTaskID(e.TaskID); err != nil {
		return false, err
	}
	row := &Entry{
		TaskID:     e.TaskID,
		TaskName:   e.TaskName,
		WorkerName: w.cfg.WorkerName,
		Args:       jsonOrNil(e.Args),
		Kwargs:     jsonOrNil(e.Kwargs),
		Status:     core.StatusPending,
		CreatedAt:  w.cfg.Now(),
	}
	res := w.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, fmt.Errorf("wal: write %s: %w", e.TaskID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// StartTask moves a task to RUNNING. Restarting a RUNNING task is allowed so a
// redelivered task can resume.
func (w *WAL) StartTask(ctx context.Context, taskID string) error {
	now := w.cfg.Now()
	res := w.db.WithContext(ctx).
		Model(&Entry{}).
		Where("task_id = ? AND status IN ?", taskID, nonTerminal).
		Updates(map[string]any{
			"status":     core.StatusRunning,
			"started_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("wal: start %s: %w", taskID, res.Error)
	}
	if res.RowsAffected == 0 {
		return w.explainNoop(ctx, taskID)
	}
	return nil
}

// CompleteTask moves a task to SUCCESS with its serialized result.
func (w *WAL) CompleteTask(ctx context.Context, taskID string, result json.RawMessage) error {
	return w.finish(ctx, taskID, map[string]any{
		"status": core.StatusSuccess,
		"result": jsonOrNil(result),
	})
}

// FailTask moves a task to FAILURE. The message is sanitized before storage.
func (w *WAL) FailTask(ctx context.Context, taskID string, errMsg string) error {
	return w.finish(ctx, taskID, map[string]any{
		"status": core.StatusFailure,
		"error":  security.SanitizeErrorMessage(errMsg),
	})
}

// finish applies a terminal transition from PENDING or RUNNING. completed_at is kept
// strictly after started_at.
func (w *WAL) finish(ctx context.Context, taskID string, updates map[string]any) error {
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e Entry
		if err := tx.Where("task_id = ?", taskID).First(&e).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrTaskNotFound
			}
			return fmt.Errorf("wal: load %s: %w", taskID, err)
		}
		if e.Status.IsTerminal() {
			return core.ErrTerminalStatus
		}

		now := w.cfg.Now()
		started := now
		if e.StartedAt != nil {
			started = *e.StartedAt
		} else {
			updates["started_at"] = started
		}
		completed := now
		if !completed.After(started) {
			completed = started.Add(time.Microsecond)
		}
		updates["completed_at"] = completed

		res := tx.Model(&Entry{}).
			Where("task_id = ? AND status IN ?", taskID, nonTerminal).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("wal: finish %s: %w", taskID, res.Error)
		}
		if res.RowsAffected == 0 {
			return core.ErrTerminalStatus
		}
		return nil
	})
}

// RecordRetry bumps the retry counter of a non-terminal task.
func (w *WAL) RecordRetry(ctx context.Context, taskID string, errMsg string) error {
	res := w.db.WithContext(ctx).
		Model(&Entry{}).
		Where("task_id = ? AND status IN ?", taskID, nonTerminal).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"error":       security.SanitizeErrorMessage(errMsg),
		})
	if res.Error != nil {
		return fmt.Errorf("wal: retry %s: %w", taskID, res.Error)
	}
	if res.RowsAffected == 0 {
		return w.explainNoop(ctx, taskID)
	}
	return nil
}

func (w *WAL) explainNoop(ctx context.Context, taskID string) error {
	status, err := w.TaskStatus(ctx, taskID)
	if err != nil {
		return err
	}
	if status.IsTerminal() {
		return core.ErrTerminalStatus
	}
	return fmt.Errorf("wal: %s unchanged in status %s", taskID, status)
}

// Get returns a task row.
func (w *WAL) Get(ctx context.Context, taskID string) (*Entry, error) {
	var e Entry
	err := w.db.WithContext(ctx).Where("task_id = ?", taskID).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wal: get %s: %w", taskID, err)
	}
	return &e, nil
}

// TaskStatus returns the status of a task.
func (w *WAL) TaskStatus(ctx context.Context, taskID string) (core.TaskStatus, error) {
	e, err := w.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	return e.Status, nil
}

// MarkSynced flags terminal rows as copied to the system of record.
func (w *WAL) MarkSynced(ctx context.Context, taskIDs ...string) (int64, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	res := w.db.WithContext(ctx).
		Model(&Entry{}).
		Where("task_id IN ? AND status IN ?", taskIDs, terminal).
		Update("synced_to_sor", true)
	if res.Error != nil {
		return 0, fmt.Errorf("wal: mark synced: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// GetUnsynced returns up to limit terminal rows not yet synced, oldest completion first.
func (w *WAL) GetUnsynced(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := w.db.WithContext(ctx).
		Where("synced_to_sor = ? AND status IN ?", false, terminal).
		Order("completed_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("wal: unsynced: %w", err)
	}
	return entries, nil
}

// GetPending returns every PENDING or RUNNING row.
func (w *WAL) GetPending(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := w.db.WithContext(ctx).
		Where("status IN ?", nonTerminal).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("wal: pending: %w", err)
	}
	return entries, nil
}

// Checkpoint flushes the journal into the main file and appends a checkpoint row.
func (w *WAL) Checkpoint(ctx context.Context) (*CheckpointRecord, error) {
	db := w.db.WithContext(ctx)
	if err := db.Exec("PRAGMA wal_checkpoint(PASSIVE)").Error; err != nil {
		return nil, fmt.Errorf("wal: checkpoint: %w", err)
	}

	rec := &CheckpointRecord{Time: w.cfg.Now()}
	if err := db.Model(&Entry{}).Where("synced_to_sor = ?", true).Count(&rec.SyncedCount).Error; err != nil {
		return nil, fmt.Errorf("wal: checkpoint count: %w", err)
	}
	if err := db.Model(&Entry{}).Where("status IN ?", nonTerminal).Count(&rec.PendingCount).Error; err != nil {
		return nil, fmt.Errorf("wal: checkpoint count: %w", err)
	}
	if err := db.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("wal: checkpoint row: %w", err)
	}
	return rec, nil
}

// CleanupOlderThan deletes synced rows completed more than days ago.
func (w *WAL) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := w.cfg.Now().AddDate(0, 0, -days)
	res := w.db.WithContext(ctx).
		Where("synced_to_sor = ? AND completed_at < ?", true, cutoff).
		Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("wal: cleanup: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Stats returns row counts by status.
func (w *WAL) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		Status core.TaskStatus
		Count  int64
	}
	db := w.db.WithContext(ctx)
	if err := db.Model(&Entry{}).Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return Stats{}, fmt.Errorf("wal: stats: %w", err)
	}

	var s Stats
	for _, r := range rows {
		s.Total += r.Count
		switch r.Status {
		case core.StatusPending:
			s.Pending = r.Count
		case core.StatusRunning:
			s.Running = r.Count
		case core.StatusSuccess:
			s.Success = r.Count
		case core.StatusFailure:
			s.Failure = r.Count
		}
	}
	if err := db.Model(&Entry{}).Where("synced_to_sor = ? AND status IN ?", false, terminal).Count(&s.Unsynced).Error; err != nil {
		return Stats{}, fmt.Errorf("wal: stats: %w", err)
	}

	var last CheckpointRecord
	err := db.Order("id DESC").Limit(1).Find(&last).Error
	if err != nil {
		return Stats{}, fmt.Errorf("wal: stats: %w", err)
	}
	if last.ID != 0 {
		t := last.Time
		s.LastCheckpoint = &t
	}
	return s, nil
}

func jsonOrNil(b []byte) datatypes.JSON {
	if len(b) == 0 {
		return nil
	}
	return datatypes.JSON(b)
}
