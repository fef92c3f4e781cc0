package wal

import (
	"context"
	"errors"
	"time"

	"github.com/jdziat/ecoscan/pkg/core"
)

// RecoveryTimeoutReason is the error recorded on tasks failed by recovery.
const RecoveryTimeoutReason = "recovery timeout"

// DefaultStuckTimeout is how long a task may stay in flight before recovery fails it.
const DefaultStuckTimeout = time.Hour

// Recover scans PENDING and RUNNING rows. Rows in flight for longer than stuckTimeout
// are moved to FAILURE; younger rows are reported as resumable.
func (w *WAL) Recover(ctx context.Context, stuckTimeout time.Duration) (RecoveryReport, error) {
	begin := time.Now()
	if stuckTimeout <= 0 {
		stuckTimeout = DefaultStuckTimeout
	}

	pending, err := w.GetPending(ctx)
	if err != nil {
		return RecoveryReport{}, err
	}

	report := RecoveryReport{Scanned: len(pending)}
	now := w.cfg.Now()
	for _, e := range pending {
		ref := e.CreatedAt
		if e.StartedAt != nil {
			ref = *e.StartedAt
		}
		if now.Sub(ref) <= stuckTimeout {
			report.Resumable = append(report.Resumable, e.TaskID)
			continue
		}

		err := w.FailTask(ctx, e.TaskID, RecoveryTimeoutReason)
		if errors.Is(err, core.ErrTerminalStatus) {
			continue
		}
		if err != nil {
			return report, err
		}
		report.Failed = append(report.Failed, e.TaskID)
		w.logger.Warn("stuck task failed by recovery", "task_id", e.TaskID, "task_name", e.TaskName, "since", ref)
	}

	report.Duration = time.Since(begin)
	w.logger.Info("wal recovery finished",
		"scanned", report.Scanned,
		"failed", len(report.Failed),
		"resumable", len(report.Resumable),
		"duration", report.Duration,
	)
	return report, nil
}
