package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/ecoscan/pkg/eventbus"
	"github.com/jdziat/ecoscan/pkg/gateway"
)

var gatewayHeartbeat time.Duration

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve job progress as server-sent events",
	Long: `Serve GET /events/{job_id} as text/event-stream on ECOSCAN_GATEWAY_ADDR.

Clients resume with the Last-Event-ID header or the last_seq query parameter.`,
	RunE: runGateway,
}

func init() {
	gatewayCmd.Flags().DurationVar(&gatewayHeartbeat, "heartbeat", gateway.DefaultHeartbeat, "heartbeat comment interval")
}

func runGateway(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	rdb, err := openRedis(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	srv := &http.Server{
		Addr: cfg.GatewayAddr,
		Handler: gateway.Handler(eventbus.NewSubscriber(rdb, busOptions()...),
			gateway.WithHeartbeat(gatewayHeartbeat),
			gateway.WithLogger(logger)),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("gateway listening", "addr", cfg.GatewayAddr)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}
