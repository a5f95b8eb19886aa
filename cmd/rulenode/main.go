// rulenode runs rule engine nodes on NATS subjects.
//
// Usage:
//
//	rulenode run -c nodes.yaml [--nats-url=<url>] [--sentry-dsn=<dsn>] [--debug]
//	rulenode validate -c nodes.yaml
//	rulenode types
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "rulenode",
	Short: "Run rule engine nodes on NATS",
	Long:  "rulenode subscribes configured rule nodes to their NATS input subjects\nand publishes results, lifecycle events and failures.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "nodes.yaml", "path to the node configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable development logging")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(typesCmd)
	rootCmd.Version = version
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
