package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tannoyproject/tannoy/internal/tannoyctl"
)

func jobsCmd(a *tannoyctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs [jobId]",
		Short: "List recent jobs, or show one job in detail.",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return a.Job(cmd.Context(), args[0])
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			return a.Jobs(cmd.Context(), limit)
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of jobs to list")
	return cmd
}
