package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/ecoscan/pkg/chain"
	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/eventbus"
	"github.com/jdziat/ecoscan/pkg/wal"
)

var (
	workerName  string
	workerTasks []string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the scan task chain",
	Long: `Run the scan task chain from the broker.

On start the worker recovers its WAL: rows in flight for longer than
ECOSCAN_WAL_STUCK_TIMEOUT are failed, younger rows resume when the broker
redelivers them. While running, terminal rows are reconciled to the system
of record and the WAL is checkpointed and trimmed on a schedule.

Examples:
  ecoscan worker
  ecoscan worker --name vision-1 --tasks vision,rule`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerName, "name", defaultWorkerName(), "worker name, also the WAL file name")
	workerCmd.Flags().StringSliceVar(&workerTasks, "tasks", nil, "tasks to consume (default: all)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	log, err := openWAL(workerName)
	if err != nil {
		return err
	}
	defer log.Close()

	report, err := log.Recover(ctx, cfg.WALStuckTimeout)
	if err != nil {
		return fmt.Errorf("recover wal: %w", err)
	}
	logger.Info("wal recovered",
		"scanned", report.Scanned,
		"failed", len(report.Failed),
		"resumable", len(report.Resumable),
		"duration", report.Duration)

	store, err := openSoR()
	if err != nil {
		return err
	}
	defer store.Close()

	rdb, err := openRedis(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	b, err := dialBroker()
	if err != nil {
		return err
	}
	defer b.Close()

	exec, err := newExecutor()
	if err != nil {
		return err
	}
	model, err := newModel()
	if err != nil {
		return err
	}
	catalog, rewards := newRewards(store)
	if n, err := catalog.Warmup(ctx); err != nil {
		logger.Warn("character catalog warmup failed", "error", err)
	} else {
		logger.Info("character catalog loaded", "characters", n)
	}

	opts := []chain.Option{chain.WithExecutor(exec), chain.WithLogger(logger)}
	for _, t := range chain.Tasks {
		opts = append(opts, chain.Concurrency(t, cfg.WorkerConcurrency))
	}
	if len(workerTasks) > 0 {
		tasks := make([]chain.Task, len(workerTasks))
		for i, name := range workerTasks {
			tasks[i] = chain.Task(name)
		}
		opts = append(opts, chain.OnlyTasks(tasks...))
	}
	opts = append(opts, chain.OnEvent(logEvent))

	worker := chain.New(b, log, eventbus.New(rdb, busOptions()...), chain.Backends{
		Vision:  model,
		Rules:   store,
		Answer:  model,
		Rewards: rewards,
		Owners:  store,
	}, opts...)

	reconciler := wal.NewReconciler(log, store.SyncFromWAL,
		wal.SyncInterval(cfg.WALSyncInterval),
		wal.SyncBatch(cfg.WALSyncBatch),
		wal.SyncLogger(logger))

	maintCfg := wal.DefaultMaintenanceConfig()
	maintCfg.RetentionDays = cfg.WALRetentionDays
	maintenance, err := wal.NewMaintenance(log, maintCfg)
	if err != nil {
		return err
	}

	refresh := eventbus.NewRefreshListener(rdb, cfg.Domain, catalogDataset, catalog.Refresh, logger)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range []core.Starter{worker, reconciler, maintenance, refresh} {
		g.Go(func() error { return s.Start(gctx) })
	}
	logger.Info("worker started", "name", workerName)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped", "name", workerName)
	return nil
}

func logEvent(ev core.Event) {
	switch e := ev.(type) {
	case *core.TaskRetrying:
		logger.Debug("stage retrying", "task_id", e.Task.TaskID, "stage", e.Stage, "attempt", e.Attempt, "delay", e.Delay)
	case *core.TaskFailed:
		logger.Info("stage failed", "task_id", e.Task.TaskID, "stage", e.Stage, "reason", e.Reason)
	case *core.TaskSkipped:
		logger.Debug("stage skipped", "task_id", e.Task.TaskID, "stage", e.Stage, "status", e.Status)
	}
}
