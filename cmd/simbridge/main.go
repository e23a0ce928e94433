package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"simbridge/internal/config"
	"simbridge/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "simbridge",
	Short: "Bridge a control program to a physics simulator's message bus",
	Long: `simbridge connects to a running simulator's publish/subscribe bus, or launches
and supervises the simulator itself, and exposes entity commands, topic
streams and correlated command responses over HTTP.

Settings come from SIMBRIDGE_* environment variables; flags override them.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit JSON logs")
	rootCmd.AddCommand(runCmd, stubCmd)
}

// loadConfig reads the environment and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
