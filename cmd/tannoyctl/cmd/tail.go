package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tannoyproject/tannoy/internal/common/app"
	"github.com/tannoyproject/tannoy/internal/tannoyctl"
)

func tailCmd(a *tannoyctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the event log, printing events as they are published.",
		Long: `Follow the event log, printing events as they are published.

Resume from a known position with --after; events with lower sequence numbers
are skipped. Stop with ctrl-C.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			after, err := cmd.Flags().GetUint64("after")
			if err != nil {
				return err
			}
			wait, err := cmd.Flags().GetDuration("wait")
			if err != nil {
				return err
			}
			raw, err := cmd.Flags().GetBool("raw")
			if err != nil {
				return err
			}
			return a.Tail(app.CreateContextWithShutdown(), after, wait, raw)
		},
	}
	cmd.Flags().Uint64("after", 0, "Resume after this sequence number")
	cmd.Flags().Duration("wait", 30*time.Second, "How long each long poll is held open")
	cmd.Flags().Bool("raw", false, "Print events as raw JSON")
	return cmd
}
