package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/civita/formation/internal/config"
	"github.com/civita/formation/internal/infrastructure/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := postgresDSN()
		if err != nil {
			return err
		}
		if err := postgres.RunMigrations(dsn); err != nil {
			return err
		}
		return printVersion(cmd, dsn)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		dsn, err := postgresDSN()
		if err != nil {
			return err
		}
		if err := postgres.RollbackMigrations(dsn, steps); err != nil {
			return err
		}
		return printVersion(cmd, dsn)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := postgresDSN()
		if err != nil {
			return err
		}
		return printVersion(cmd, dsn)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	migrateDownCmd.Flags().IntP("steps", "n", 1, "Number of migrations to roll back")
}

func postgresDSN() (string, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Store != config.StorePostgres {
		return "", fmt.Errorf("migrations apply to STORE=%s only; sqlite migrates on open", config.StorePostgres)
	}
	return cfg.DatabaseURL, nil
}

func printVersion(cmd *cobra.Command, dsn string) error {
	version, dirty, err := postgres.MigrationVersion(dsn)
	if err != nil {
		return err
	}
	cmd.Printf("schema version %d (dirty=%t)\n", version, dirty)
	return nil
}
