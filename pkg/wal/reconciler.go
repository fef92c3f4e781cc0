package wal

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// SyncFunc copies one terminal row to the system of record. It must be idempotent.
type SyncFunc func(ctx context.Context, e *Entry) error

// SyncReport summarizes one reconciliation tick.
type SyncReport struct {
	Fetched int
	Synced  int
	Failed  int
}

// ReconcilerConfig holds reconciliation settings.
type ReconcilerConfig struct {
	// Interval between ticks. Default: 10s
	Interval time.Duration

	// Batch is the maximum rows fetched per tick. Default: 100
	Batch int

	// RatePerSecond caps sync calls. Zero means unlimited. Default: 50
	RatePerSecond float64

	Logger *slog.Logger
}

// DefaultReconcilerConfig returns the default reconciliation settings.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:      10 * time.Second,
		Batch:         100,
		RatePerSecond: 50,
	}
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption interface {
	applyReconciler(*ReconcilerConfig)
}

type reconcilerOptionFunc func(*ReconcilerConfig)

func (f reconcilerOptionFunc) applyReconciler(c *ReconcilerConfig) { f(c) }

// SyncInterval sets the time between ticks.
func SyncInterval(d time.Duration) ReconcilerOption {
	return reconcilerOptionFunc(func(c *ReconcilerConfig) {
		c.Interval = d
	})
}

// SyncBatch sets the maximum rows per tick.
func SyncBatch(n int) ReconcilerOption {
	return reconcilerOptionFunc(func(c *ReconcilerConfig) {
		c.Batch = n
	})
}

// SyncRate caps sync calls per second. Zero disables the cap.
func SyncRate(perSecond float64) ReconcilerOption {
	return reconcilerOptionFunc(func(c *ReconcilerConfig) {
		c.RatePerSecond = perSecond
	})
}

// SyncLogger sets the logger.
func SyncLogger(l *slog.Logger) ReconcilerOption {
	return reconcilerOptionFunc(func(c *ReconcilerConfig) {
		c.Logger = l
	})
}

// Reconciler copies terminal rows to the system of record in the background.
type Reconciler struct {
	wal     *WAL
	sync    SyncFunc
	cfg     ReconcilerConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewReconciler creates a reconciler for w.
func NewReconciler(w *WAL, fn SyncFunc, opts ...ReconcilerOption) *Reconciler {
	cfg := DefaultReconcilerConfig()
	for _, opt := range opts {
		opt.applyReconciler(&cfg)
	}
	if cfg.Batch < 1 {
		cfg.Batch = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = w.logger
	}

	limit := rate.Inf
	burst := cfg.Batch
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = max(1, int(cfg.RatePerSecond))
	}

	return &Reconciler{
		wal:     w,
		sync:    fn,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  cfg.Logger.With("component", "reconciler"),
	}
}

// Tick runs one reconciliation pass. Rows whose sync fails stay unsynced for the next tick.
func (r *Reconciler) Tick(ctx context.Context) (SyncReport, error) {
	entries, err := r.wal.GetUnsynced(ctx, r.cfg.Batch)
	if err != nil {
		return SyncReport{}, err
	}

	report := SyncReport{Fetched: len(entries)}
	var synced []string
	for i := range entries {
		if err := r.limiter.Wait(ctx); err != nil {
			break
		}
		e := &entries[i]
		if err := r.sync(ctx, e); err != nil {
			report.Failed++
			r.logger.Warn("sync failed, retrying next tick", "task_id", e.TaskID, "error", err)
			continue
		}
		synced = append(synced, e.TaskID)
	}

	if len(synced) > 0 {
		n, err := r.wal.MarkSynced(ctx, synced...)
		if err != nil {
			return report, err
		}
		report.Synced = int(n)
	}
	if report.Fetched > 0 {
		r.logger.Debug("reconciliation tick", "fetched", report.Fetched, "synced", report.Synced, "failed", report.Failed)
	}
	return report, nil
}

// Start runs ticks every interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reconciliation tick failed", "error", err)
			}
		}
	}
}
