package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvalhq/corval/internal/services"
)

func newUsageCmd(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Work with AI usage accounting",
	}
	cmd.AddCommand(newUsageRollupCmd(env))
	return cmd
}

func newUsageRollupCmd(env *cliEnv) *cobra.Command {
	var period string

	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Aggregate per-request usage rows into monthly summaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(period) == "" {
				period = time.Now().UTC().AddDate(0, -1, 0).Format("2006-01")
			}

			_, db, err := env.openDatabase()
			if err != nil {
				return err
			}
			defer closeDatabase(db)

			usage, err := services.NewUsageService(db)
			if err != nil {
				return err
			}

			count, err := usage.RollupUsage(cmd.Context(), period)
			if err != nil {
				return err
			}

			cmd.Printf("wrote %d rollup rows for %s\n", count, period)
			return nil
		},
	}

	cmd.Flags().StringVar(&period, "period", "", "Billing period as YYYY-MM (default: previous month)")

	return cmd
}
