package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and seed rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := env.openDatabase()
			if err != nil {
				return err
			}
			defer closeDatabase(db)

			cmd.Printf("database migrated (%s)\n", cfg.Database.DatabaseSettings().Driver)
			return nil
		},
	}
}
