package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tannoyproject/tannoy/internal/tannoyctl"
)

func deliverCmd(a *tannoyctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliver <deliveryId>",
		Short: "Sign and post a webhook delivery.",
		Long: `Sign and post a webhook delivery under the configured webhook source.

The delivery id is chosen by the caller and makes redelivery safe: posting
the same id twice publishes the event once.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			eventType, err := cmd.Flags().GetString("type")
			if err != nil {
				return err
			}
			data, err := cmd.Flags().GetString("data")
			if err != nil {
				return err
			}
			return a.Deliver(cmd.Context(), args[0], eventType, data)
		},
	}
	cmd.Flags().String("type", "", "Event type recorded with the delivery")
	cmd.Flags().String("data", "", "Delivery payload as a JSON document")
	return cmd
}
