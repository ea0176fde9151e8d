// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/smartpark/authd/internal/store"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Run all pending database migrations against the PostgreSQL database.`,
		RunE:  runMigrateUp,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		RunE:  runMigrateDown,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE:  runMigrateStatus,
	})

	return cmd
}

// openMigrator builds a Migrator from the DATABASE_URL environment variable.
func openMigrator() (*store.Migrator, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, oops.Code("CONFIG_INVALID").Errorf("DATABASE_URL environment variable is required")
	}
	return store.NewMigrator(databaseURL)
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	migrator, err := openMigrator()
	if err != nil {
		return err
	}
	defer migrator.Close() //nolint:errcheck // best-effort cleanup

	cmd.Println("Running migrations...")
	if err := migrator.Up(); err != nil {
		return err
	}

	cmd.Println("Migrations completed successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	migrator, err := openMigrator()
	if err != nil {
		return err
	}
	defer migrator.Close() //nolint:errcheck // best-effort cleanup

	cmd.Println("Rolling back migrations...")
	if err := migrator.Down(); err != nil {
		return err
	}

	cmd.Println("Rollback completed successfully")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, _ []string) error {
	migrator, err := openMigrator()
	if err != nil {
		return err
	}
	defer migrator.Close() //nolint:errcheck // best-effort cleanup

	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}

	applied, err := migrator.AppliedMigrations()
	if err != nil {
		return err
	}
	pending, err := migrator.PendingMigrations()
	if err != nil {
		return err
	}

	cmd.Printf("Current version: %d (dirty: %v)\n\n", version, dirty)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
	for _, v := range applied {
		name, err := store.MigrationName(v)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\tapplied\n", v, name)
	}
	for _, v := range pending {
		name, err := store.MigrationName(v)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\tpending\n", v, name)
	}
	return w.Flush()
}
