package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jdziat/ecoscan/pkg/eventbus"
)

var eventsCmd = &cobra.Command{
	Use:   "events JOB_ID",
	Short: "Print the retained frames of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rdb, err := openRedis(ctx)
		if err != nil {
			return err
		}
		defer rdb.Close()

		frames, err := eventbus.NewSubscriber(rdb, busOptions()...).History(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, f := range frames {
			fmt.Fprintf(out, "%4d  %-8s %-10s %-9s", f.Seq, f.Kind, f.Stage, f.Status)
			if f.Progress != nil {
				fmt.Fprintf(out, " %3d%%", *f.Progress)
			}
			if f.Message != "" {
				fmt.Fprintf(out, "  %s", f.Message)
			}
			fmt.Fprintln(out)
		}
		if len(frames) == 0 {
			fmt.Fprintln(out, "no frames retained for this job")
		}
		return nil
	},
}
