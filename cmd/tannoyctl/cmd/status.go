package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tannoyproject/tannoy/internal/tannoyctl"
)

func statusCmd(a *tannoyctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker pool occupancy and live stream connections.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Status(cmd.Context())
		},
	}
	return cmd
}

func infoCmd(a *tannoyctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the server's version and event log position.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Info(cmd.Context())
		},
	}
	return cmd
}
