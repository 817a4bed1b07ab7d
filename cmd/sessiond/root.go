// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/sessiond/internal/config"
	"github.com/holomush/sessiond/internal/xdg"
)

// NewRootCmd creates the root command for the sessiond CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessiond",
		Short: "sessiond - credential and session lifecycle manager",
		Long: `sessiond registers users, verifies passwords and issues short-lived
access tokens paired with single-use, rotating refresh tokens.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "config file path (default: XDG_CONFIG_HOME/sessiond/config.yaml)")
	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewConfigCmd())
	cmd.AddCommand(NewSessionsCmd())

	return cmd
}

// configPath returns --config, or the XDG default when that file exists.
func configPath(cmd *cobra.Command) (string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", err //nolint:wrapcheck // flag lookup on a registered flag
	}
	if path != "" {
		return path, nil
	}
	return xdg.DefaultConfigFile()
}

// loadConfig returns the validated configuration for cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := configPath(cmd)
	if err != nil {
		return nil, err
	}
	return config.Load(path, cmd.Flags())
}

// readConfig returns the configuration for cmd without validating it.
func readConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := configPath(cmd)
	if err != nil {
		return nil, err
	}
	return config.Read(path, cmd.Flags())
}
