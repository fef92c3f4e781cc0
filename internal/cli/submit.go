package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jdziat/ecoscan/pkg/chain"
	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/eventbus"
)

var (
	submitImage   string
	submitUser    string
	submitMessage string
	submitSession string
	submitJob     string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Start a scan chain for an image",
	Long: `Publish the head task of a scan chain and print its ids.

Follow progress with the gateway at /events/{job_id}.

Examples:
  ecoscan submit --image https://cdn.example.com/bottle.jpg --user u-1
  ecoscan submit --image https://cdn.example.com/can.jpg --user u-1 --message "where does this go?"`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitImage, "image", "", "image url (required)")
	submitCmd.Flags().StringVar(&submitUser, "user", "", "user id (required)")
	submitCmd.Flags().StringVar(&submitMessage, "message", "", "question sent with the image")
	submitCmd.Flags().StringVar(&submitSession, "session", "", "session id")
	submitCmd.Flags().StringVar(&submitJob, "job", "", "job id (default: generated)")
	_ = submitCmd.MarkFlagRequired("image")
	_ = submitCmd.MarkFlagRequired("user")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	b, err := dialBroker()
	if err != nil {
		return err
	}
	defer b.Close()

	var opts []chain.SubmitOption
	if rdb, err := openRedis(ctx); err != nil {
		logger.Warn("event bus unavailable, the worker will report the queued frame", "error", err)
	} else {
		defer rdb.Close()
		opts = append(opts, chain.NotifyQueued(eventbus.New(rdb, busOptions()...)))
	}

	msg, err := chain.Submit(ctx, b, core.TaskMessage{
		JobID:     submitJob,
		UserID:    submitUser,
		SessionID: submitSession,
		ImageURL:  submitImage,
		UserInput: submitMessage,
	}, opts...)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "task_id: %s\njob_id:  %s\n", msg.TaskID, msg.JobID)
	return nil
}
