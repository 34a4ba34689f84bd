// Command subsyncd receives Stripe webhooks and keeps the local copy of each
// user's subscription in sync.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mihaimyh/subsync/internal/config"
)

var version = "dev"

// loader reads the configuration named by the --config flag.
type loader func() (*config.Config, *viper.Viper, error)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "subsyncd",
		Short:         "Stripe subscription reconciliation service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	load := func() (*config.Config, *viper.Viper, error) {
		return config.Load(configPath)
	}

	root.AddCommand(newServeCmd(load), newMigrateCmd(load), newReplayCmd(load))
	return root
}
