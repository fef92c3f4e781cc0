package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jdziat/ecoscan/pkg/eventbus"
)

var routerConsumer string

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Relay event bus streams to per-job channels",
	Long: `Join the router consumer group on every shard stream and relay frames
to their per-job fan-out channels. Pending entries of dead consumers are
reclaimed after ECOSCAN_RECLAIM_MIN_IDLE.`,
	RunE: runRouter,
}

func init() {
	routerCmd.Flags().StringVar(&routerConsumer, "consumer", "", "consumer name in the router group (default: host-pid)")
}

func runRouter(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	rdb, err := openRedis(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	opts := busOptions()
	if routerConsumer != "" {
		opts = append(opts, eventbus.WithConsumer(routerConsumer))
	}
	router, err := eventbus.NewRouter(rdb, nil, opts...)
	if err != nil {
		return err
	}
	if err := router.EnsureGroups(ctx); err != nil {
		return fmt.Errorf("create consumer groups: %w", err)
	}

	logger.Info("router started", "shards", cfg.Shards, "domain", cfg.Domain)
	if err := router.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("router stopped")
	return nil
}
