package commands

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/civita/formation/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "formationctl",
	Short: "Operator tooling for the formation service",
	Long: `formationctl manages the formation service's storage and credentials.
It reads the same environment as the server, so STORE, DATABASE_URL and
TIMER_STORE select the backends it operates on.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	cfg, err := config.Load()
	if err != nil {
		return nil, logger, err
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}
	return cfg, logger, nil
}
