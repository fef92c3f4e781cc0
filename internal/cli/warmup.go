package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jdziat/ecoscan/pkg/eventbus"
)

// catalogDataset names the character catalog on the refresh channel.
const catalogDataset = "catalog"

var warmupLocalOnly bool

var warmupCacheCmd = &cobra.Command{
	Use:   "warmup-cache",
	Short: "Load the character catalog and tell running workers to reload theirs",
	Long: `Load every character from the system of record into the catalog cache,
then publish a refresh on the <domain>:catalog:refresh channel. Every running
worker reloads its catalog when it receives the message, so characters added
with import-dataset take effect without a restart.

Use --local to only check that the catalog loads.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		store, err := openSoR()
		if err != nil {
			return err
		}
		defer store.Close()

		catalog, _ := newRewards(store)
		n, err := catalog.Warmup(ctx)
		if err != nil {
			return fmt.Errorf("warm catalog: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "characters: %d\ncategories: %d\n", n, catalog.Len())
		if warmupLocalOnly {
			return nil
		}

		rdb, err := openRedis(ctx)
		if err != nil {
			return err
		}
		defer rdb.Close()

		workers, err := eventbus.PublishRefresh(ctx, rdb, cfg.Domain, catalogDataset)
		if err != nil {
			return err
		}
		logger.Info("catalog refresh published", "workers", workers)
		fmt.Fprintf(out, "workers notified: %d\n", workers)
		return nil
	},
}

func init() {
	warmupCacheCmd.Flags().BoolVar(&warmupLocalOnly, "local", false, "only load the catalog, do not notify workers")
}
