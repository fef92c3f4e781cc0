package wal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// MaintenanceConfig schedules periodic WAL housekeeping.
type MaintenanceConfig struct {
	// CheckpointSpec is the cron spec for checkpoints. Default: @every 5m
	CheckpointSpec string

	// CleanupSpec is the cron spec for retention cleanup. Default: @daily
	CleanupSpec string

	// RetentionDays keeps synced rows this many days. Default: 7
	RetentionDays int
}

// DefaultMaintenanceConfig returns the default schedule.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		CheckpointSpec: "@every 5m",
		CleanupSpec:    "@daily",
		RetentionDays:  7,
	}
}

// Maintenance runs checkpoints and cleanup on a cron schedule.
type Maintenance struct {
	wal    *WAL
	cfg    MaintenanceConfig
	cron   *cron.Cron
	logger *slog.Logger
}

// NewMaintenance registers the housekeeping jobs. Invalid specs are rejected.
func NewMaintenance(w *WAL, cfg MaintenanceConfig) (*Maintenance, error) {
	m := &Maintenance{
		wal:    w,
		cfg:    cfg,
		cron:   cron.New(),
		logger: w.logger.With("component", "maintenance"),
	}
	if _, err := m.cron.AddFunc(cfg.CheckpointSpec, m.checkpoint); err != nil {
		return nil, fmt.Errorf("wal: checkpoint schedule %q: %w", cfg.CheckpointSpec, err)
	}
	if _, err := m.cron.AddFunc(cfg.CleanupSpec, m.cleanup); err != nil {
		return nil, fmt.Errorf("wal: cleanup schedule %q: %w", cfg.CleanupSpec, err)
	}
	return m, nil
}

// Jobs returns the number of scheduled jobs.
func (m *Maintenance) Jobs() int {
	return len(m.cron.Entries())
}

// Start runs the schedule until ctx is cancelled and waits for running jobs.
func (m *Maintenance) Start(ctx context.Context) error {
	m.cron.Start()
	<-ctx.Done()
	<-m.cron.Stop().Done()
	return ctx.Err()
}

func (m *Maintenance) checkpoint() {
	rec, err := m.wal.Checkpoint(context.Background())
	if err != nil {
		m.logger.Error("checkpoint failed", "error", err)
		return
	}
	m.logger.Debug("checkpoint", "synced", rec.SyncedCount, "pending", rec.PendingCount)
}

func (m *Maintenance) cleanup() {
	n, err := m.wal.CleanupOlderThan(context.Background(), m.cfg.RetentionDays)
	if err != nil {
		m.logger.Error("cleanup failed", "error", err)
		return
	}
	if n > 0 {
		m.logger.Info("cleaned up synced tasks", "deleted", n, "retention_days", m.cfg.RetentionDays)
	}
}
