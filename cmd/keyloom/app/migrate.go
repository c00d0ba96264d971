// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keyloom/keyloom/pkg/config"
	"github.com/keyloom/keyloom/pkg/logger"
	"github.com/keyloom/keyloom/pkg/storage/sqlite"
)

var migrateFlagKeys = map[string]string{
	"database": "database_path",
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Long: `Open the database, apply any pending schema migrations, and exit. The
serve command migrates on startup as well; migrate exists for deployments that
run schema changes as a separate step.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindFlags(cmd, migrateFlagKeys); err != nil {
				return err
			}
			return runMigrate(cmd)
		},
	}

	cmd.Flags().String("database", config.DefaultDatabasePath, "Path to the SQLite database file")

	return cmd
}

func runMigrate(cmd *cobra.Command) error {
	if _, err := settings(); err != nil {
		return err
	}
	path := viper.GetString("database_path")
	if path == "" {
		return fmt.Errorf("database_path must not be empty")
	}

	db, err := sqlite.Open(cmd.Context(), &sqlite.Config{Path: path})
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}

	logger.Infof("Migrations applied: %s", path)
	return nil
}
