package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tannoyproject/tannoy/internal/common/app"
	"github.com/tannoyproject/tannoy/internal/tannoyctl"
)

func spamCmd(a *tannoyctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spam",
		Short: "Deliver a stream of generated demo events.",
		Long: `Deliver a stream of generated webhook events under the configured source.

Useful for demos and for watching consumers keep up: run a tail or open the
SSE stream in another terminal and spam events at it.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := cmd.Flags().GetInt("count")
			if err != nil {
				return err
			}
			interval, err := cmd.Flags().GetDuration("interval")
			if err != nil {
				return err
			}
			eventType, err := cmd.Flags().GetString("type")
			if err != nil {
				return err
			}
			return a.Spam(app.CreateContextWithShutdown(), count, interval, eventType)
		},
	}
	cmd.Flags().Int("count", 10, "Number of events to deliver")
	cmd.Flags().Duration("interval", 100*time.Millisecond, "Delay between deliveries")
	cmd.Flags().String("type", "demo.tick", "Event type for the generated events")
	return cmd
}
