package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command for the crank CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "crank",
		Short: "Event queue crank for central limit order books",
		Long: `crank watches the event queues of order book markets and submits
consume-events transactions so fills and cancels settle into open orders accounts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "configs/config.yaml", "path to the YAML config file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewMarketsCommand(opts))

	return cmd
}
