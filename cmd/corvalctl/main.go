package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/app"
	"github.com/corvalhq/corval/internal/database"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cliEnv carries the state shared by every subcommand: where the
// configuration lives and how to reach the database.
type cliEnv struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	env := &cliEnv{}

	root := &cobra.Command{
		Use:           "corvalctl",
		Short:         "Administration commands for a Corval deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is the normal case outside development.
			_ = godotenv.Load()
			return app.ConfigureLogging("warn")
		},
	}

	root.PersistentFlags().StringVar(&env.configPath, "config", "", "Path to configuration directory or file")

	root.AddCommand(
		newMigrateCmd(env),
		newSeedDemoCmd(env),
		newCreateRootCmd(env),
		newPluginCmd(env),
		newUsageCmd(env),
	)

	return root
}

// loadConfig resolves configuration the same way the server does, accepting
// either a directory or a file path.
func (e *cliEnv) loadConfig() (*app.Config, error) {
	path := strings.TrimSpace(e.configPath)
	if path == "" {
		return app.LoadConfig()
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
	if info.IsDir() {
		return app.LoadConfig(path)
	}
	return app.LoadConfig(filepath.Dir(path))
}

// openDatabase opens the configured database and brings the schema and seed
// rows up to date, matching what the server does on boot.
func (e *cliEnv) openDatabase() (*app.Config, *gorm.DB, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := database.Open(cfg.Database.DatabaseSettings())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		closeDatabase(db)
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	return cfg, db, nil
}

func closeDatabase(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
