package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tannoyproject/tannoy/internal/tannoyctl"
	"github.com/tannoyproject/tannoy/pkg/api"
)

func submitCmd(a *tannoyctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [./path/to/jobs.yaml]",
		Short: "Submit jobs to the worker pool.",
		Long: `Submit jobs to the worker pool, either a single job described by flags or
a batch from a YAML file.

Example jobs.yaml:

jobs:
  - durationMs: 500
  - durationMs: 100
    mode: blocking
    wait: true
`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return a.SubmitFile(cmd.Context(), args[0])
			}

			duration, err := cmd.Flags().GetDuration("duration")
			if err != nil {
				return err
			}
			mode, err := cmd.Flags().GetString("mode")
			if err != nil {
				return err
			}
			panicJob, err := cmd.Flags().GetBool("panic")
			if err != nil {
				return err
			}
			wait, err := cmd.Flags().GetBool("wait")
			if err != nil {
				return err
			}
			return a.Submit(cmd.Context(), &api.JobSubmitRequest{
				DurationMs: duration.Milliseconds(),
				Mode:       mode,
				Panic:      panicJob,
				Wait:       wait,
			})
		},
	}
	cmd.Flags().Duration("duration", 100*time.Millisecond, "How long the job should run for")
	cmd.Flags().String("mode", api.JobModePooled, `Submission mode, "pooled" or "blocking"`)
	cmd.Flags().Bool("panic", false, "Make the job panic instead of finishing")
	cmd.Flags().Bool("wait", false, "In blocking mode, wait for a free slot instead of failing fast")
	return cmd
}
