package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/postgres"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *postgres.Client) error {
				n, err := db.MigrateUp()
				if err != nil {
					return err
				}
				slog.Info("migrations applied", "count", n)
				return nil
			})
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *postgres.Client) error {
				n, err := db.MigrateDown(steps)
				if err != nil {
					return err
				}
				slog.Info("migrations rolled back", "count", n)
				return nil
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back, 0 for all")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List embedded and applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := postgres.MigrationFiles()
			if err != nil {
				return fmt.Errorf("listing migration files: %w", err)
			}
			return withDB(func(db *postgres.Client) error {
				applied, err := db.MigrationStatus()
				if err != nil {
					return err
				}
				at := make(map[string]string, len(applied))
				for _, r := range applied {
					at[r.ID] = r.AppliedAt
				}
				out := cmd.OutOrStdout()
				for _, f := range files {
					id := f[len("sql/"):]
					if when, ok := at[id]; ok {
						fmt.Fprintf(out, "%-40s applied %s\n", id, when)
					} else {
						fmt.Fprintf(out, "%-40s pending\n", id)
					}
				}
				return nil
			})
		},
	})
	return cmd
}

func withDB(fn func(db *postgres.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	return fn(db)
}
