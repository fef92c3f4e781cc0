package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jdziat/ecoscan/pkg/wal"
)

var syncWorker string

var esToDBSyncCmd = &cobra.Command{
	Use:   "es-to-db-sync",
	Short: "Drain a worker's unsynced WAL rows into the system of record",
	Long: `Reconcile terminal WAL rows of one worker into the system of record
until nothing is left to sync. Workers do this on a schedule; run this
after a worker is retired so its last rows are not stranded.

Examples:
  ecoscan es-to-db-sync --name vision-1`,
	RunE: runSync,
}

func init() {
	esToDBSyncCmd.Flags().StringVar(&syncWorker, "name", defaultWorkerName(), "worker name whose WAL to drain")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	log, err := openWAL(syncWorker)
	if err != nil {
		return err
	}
	defer log.Close()

	store, err := openSoR()
	if err != nil {
		return err
	}
	defer store.Close()

	reconciler := wal.NewReconciler(log, store.SyncFromWAL,
		wal.SyncBatch(cfg.WALSyncBatch),
		wal.SyncLogger(logger))

	var total wal.SyncReport
	for {
		report, err := reconciler.Tick(ctx)
		if err != nil {
			return err
		}
		total.Fetched += report.Fetched
		total.Synced += report.Synced
		total.Failed += report.Failed
		// A batch with no progress would be fetched again forever.
		if report.Fetched == 0 || report.Synced == 0 {
			break
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "fetched: %d\nsynced:  %d\nfailed:  %d\n", total.Fetched, total.Synced, total.Failed)
	if total.Failed > 0 {
		return fmt.Errorf("%d rows failed to sync", total.Failed)
	}
	return nil
}
