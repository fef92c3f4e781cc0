package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/ecoscan/pkg/chain"
	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/eventbus"
	"github.com/jdziat/ecoscan/pkg/llm"
	"github.com/jdziat/ecoscan/pkg/pipeline"
	"github.com/jdziat/ecoscan/pkg/reward"
)

var (
	askUser     string
	askSession  string
	askImage    string
	askLat      float64
	askLon      float64
	askDeadline time.Duration
	askPersist  bool
)

var askCmd = &cobra.Command{
	Use:   "ask MESSAGE...",
	Short: "Run one chat request through the pipeline",
	Long: `Classify the message, gather context, answer and evaluate a reward.

Progress frames are published to the event bus under a fresh job id, so a
gateway client can follow the request while it runs.

Examples:
  ecoscan ask "how do I throw away a broken umbrella?"
  ecoscan ask --image https://cdn.example.com/box.jpg "is this recyclable?"
  ecoscan ask --lat 37.56 --lon 126.97 "where is the nearest collection point?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askUser, "user", "cli", "user id")
	askCmd.Flags().StringVar(&askSession, "session", "", "session id for conversation memory")
	askCmd.Flags().StringVar(&askImage, "image", "", "image url")
	askCmd.Flags().Float64Var(&askLat, "lat", 0, "latitude")
	askCmd.Flags().Float64Var(&askLon, "lon", 0, "longitude")
	askCmd.Flags().DurationVar(&askDeadline, "deadline", 0, "request deadline (default: pipeline default)")
	askCmd.Flags().BoolVar(&askPersist, "persist-reward", false, "publish granted rewards to the persist_reward queue")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

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

	exec, err := newExecutor()
	if err != nil {
		return err
	}
	model, err := newModel()
	if err != nil {
		return err
	}
	catalog, rewards := newRewards(store)
	search, err := llm.NewSearchTool(cfg.SerpAPIKey)
	if err != nil {
		return err
	}

	var persister reward.Persister
	if askPersist {
		b, err := dialBroker()
		if err != nil {
			return err
		}
		defer b.Close()
		persister = chain.NewRewardPersister(b)
	}

	pcfg := pipeline.DefaultConfig()
	if cfg.SearchRadiusM > 0 {
		pcfg.SearchRadiusM = cfg.SearchRadiusM
	}
	opts := []pipeline.Option{
		pipeline.WithConfig(pcfg),
		pipeline.WithExecutor(exec),
		pipeline.WithCheckpointer(pipeline.NewMemoryCheckpointer(20)),
		pipeline.WithLogger(logger),
	}
	if askDeadline > 0 {
		opts = append(opts, pipeline.WithDeadline(askDeadline))
	}

	p := pipeline.New(eventbus.New(rdb, busOptions()...), pipeline.Backends{
		Intent:     model,
		Vision:     model,
		Rules:      store,
		Characters: reward.NewCatalogLookup(catalog),
		Places:     store,
		Lookups:    llm.NewLookup(model, search).Backends(),
		Answer:     model,
		Critic:     model,
		Reward:     reward.NewPipelineEvaluator(rewards, persister, logger),
	}, opts...)

	in := pipeline.Input{
		JobID:     core.NewJobID(),
		SessionID: askSession,
		UserID:    askUser,
		Message:   strings.Join(args, " "),
		ImageURL:  askImage,
	}
	if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
		in.Location = &core.Location{Latitude: askLat, Longitude: askLon}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "job_id: %s\n", in.JobID)

	state, err := p.Run(ctx, in)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "intent: %s\n\n%s\n", state.Intent(), state.Answer)
	if state.NeedsLocation {
		fmt.Fprintln(out, "\n(location needed: pass --lat and --lon)")
	}
	if state.Reward != nil && state.Reward.Received {
		var pretty any
		if err := json.Unmarshal(state.Reward.Public, &pretty); err == nil {
			b, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Fprintf(out, "\nreward:\n%s\n", b)
		}
	}
	return nil
}
