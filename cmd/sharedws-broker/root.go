package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "sharedws-broker",
		Short: "Share one websocket connection between many consumers",
		Long: `sharedws-broker keeps a single connection to an upstream websocket server and
fans its state and messages out to every consumer connected to it. Consumers drive
the shared connection with connect, disconnect and send commands.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "",
		"config file path (environment: SHAREDWS_*)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false,
		"log at debug level")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}
