package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tannoyproject/tannoy/internal/tannoyctl"
	"github.com/tannoyproject/tannoy/pkg/client"
)

var cfgFile string

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tannoyctl",
		Short: "tannoyctl is a command line client for the tannoy event server.",
		Long: `tannoyctl is a command line client for the tannoy event server.

Persistent config can be saved in a config file so it doesn't have to be specified every command.

Example structure:
tannoyUrl: http://localhost:8080
webhookSource: billing
webhookSecret: changeme

The location of this file can be passed in using the --config argument.
If not provided, $HOME/.tannoyctl.yaml is used.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tannoyctl.yaml)")
	client.AddTannoyApiConnectionCommandlineArgs(cmd)

	cmd.AddCommand(
		deliverCmd(tannoyctl.New()),
		infoCmd(tannoyctl.New()),
		jobsCmd(tannoyctl.New()),
		spamCmd(tannoyctl.New()),
		statusCmd(tannoyctl.New()),
		submitCmd(tannoyctl.New()),
		tailCmd(tannoyctl.New()),
		versionCmd(tannoyctl.New()),
	)

	return cmd
}

func initParams(cmd *cobra.Command, params *tannoyctl.Params) error {
	if err := client.LoadCommandlineArgsFromConfigFile(cfgFile); err != nil {
		return err
	}
	params.ApiConnectionDetails = client.ExtractCommandlineTannoyApiConnectionDetails()
	return nil
}
