// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the keyloom command-line
// application.
package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keyloom/keyloom/pkg/config"
	"github.com/keyloom/keyloom/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "keyloom",
	DisableAutoGenTag: true,
	Short:             "Keyloom is a capability-based credentialing platform",
	Long: `Keyloom issues and governs hierarchical API keys. Owners administer key
lineages through the console surface; keys exchange their secrets for scoped
access tokens on the gateway surface and act within the capabilities and
per-post access grants delegated to them.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the keyloom CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the keyloom configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true

	return rootCmd
}

// bindFlags binds command flags to their viper keys. Binding happens at run
// time because serve and migrate share keys; binding both at construction
// would leave the key pointing at whichever command registered last.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("binding %s flag: %w", flag, err)
		}
	}
	return nil
}

// settings assembles the configuration sources behind config.Load: defaults,
// then keyloom.yaml (or the --config file), then KEYLOOM_* environment
// variables and any bound flags.
func settings() (*viper.Viper, error) {
	v := viper.GetViper()
	config.SetDefaults(v)

	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading configuration: %w", err)
		}
		return v, nil
	}

	v.SetConfigName("keyloom")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		// Without --config the file is optional; the environment may carry
		// the whole configuration.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading configuration: %w", err)
		}
	}
	return v, nil
}
