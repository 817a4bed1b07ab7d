// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/holomush/sessiond/internal/config"
)

// NewConfigCmd creates the config subcommand.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets masked",
			Args:  cobra.NoArgs,
			RunE:  runConfigShow,
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check that the effective configuration can start the service",
			Args:  cobra.NoArgs,
			RunE:  runConfigValidate,
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema for the config file",
			Args:  cobra.NoArgs,
			RunE:  runConfigSchema,
		},
	)

	return cmd
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := readConfig(cmd)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return oops.Code("CONFIG_MARSHAL_FAILED").Wrap(err)
	}
	cmd.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	if _, err := config.Load(path, cmd.Flags()); err != nil {
		return err
	}
	if path == "" {
		path = "(no config file)"
	}
	cmd.Println("Configuration is valid:", path)
	return nil
}

func runConfigSchema(cmd *cobra.Command, _ []string) error {
	schema, err := config.GenerateSchema()
	if err != nil {
		return err
	}
	cmd.Println(string(schema))
	return nil
}
