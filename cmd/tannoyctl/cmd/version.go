package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tannoyproject/tannoy/internal/tannoyctl"
)

func versionCmd(a *tannoyctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print client version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Version()
		},
	}
	return cmd
}
