package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/appeal-assistant/evolution/internal/engine"
	"github.com/appeal-assistant/evolution/pkg/config"
	appLogger "github.com/appeal-assistant/evolution/pkg/logger"
)

var (
	configPath string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "evolution",
		Short: "Self-evolving rule engine for the appeal assistant",
		Long: `evolution analyzes finished appeal conversations, learns collection rules
from them and serves the active rule set to the assistant.

  evolution serve              run the scheduler and the admin API
  evolution run batch_analysis run one job now and print its report
  evolution health             print component health`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadFile(configPath)
			if err != nil {
				return err
			}
			return appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			appLogger.Sync()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./config.yaml, ./config/config.yaml, /etc/appeal-evolution/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openApp() (*engine.App, error) {
	app, err := engine.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}
	return app, nil
}
