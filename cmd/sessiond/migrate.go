// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"strconv"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/sessiond/internal/store"
)

// migrator is the part of store.Migrator the migrate commands use.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Status() (*store.Status, error)
	Close() error
}

// newMigrator is replaced in tests.
var newMigrator = func(databaseURL string) (migrator, error) {
	return store.NewMigrator(databaseURL)
}

// NewMigrateCmd creates the migrate subcommand. Without a subcommand it
// applies all pending migrations.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long: `Manage the PostgreSQL schema for users and sessions.
Running "migrate" with no subcommand applies all pending migrations.`,
		RunE: runMigrateUp,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE:  runMigrateUp,
		},
		newMigrateDownCmd(),
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE:  runMigrateStatus,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE:  runMigrateVersion,
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the schema version without running migrations",
			Long: `Set the recorded schema version without running any migration.
Use this to clear the dirty flag after fixing a failed migration by hand.`,
			Args: cobra.ExactArgs(1),
			RunE: runMigrateForce,
		},
	)

	return cmd
}

func newMigrateDownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Long: `Roll back the most recent migration, or --steps N of them.
--all rolls back every migration and drops all users and sessions.`,
		Args: cobra.NoArgs,
		RunE: runMigrateDown,
	}
	cmd.Flags().Int("steps", 1, "number of migrations to roll back")
	cmd.Flags().Bool("all", false, "roll back every migration")
	return cmd
}

// getDatabaseURL returns database.url from the layered configuration.
func getDatabaseURL(cmd *cobra.Command) (string, error) {
	cfg, err := readConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Database.URL == "" {
		return "", oops.Code("CONFIG_INVALID").
			With("key", "database.url").
			Errorf("database.url is required (set DATABASE_URL or SESSIOND_DATABASE__URL)")
	}
	return cfg.Database.URL, nil
}

func openMigrator(cmd *cobra.Command) (migrator, error) {
	url, err := getDatabaseURL(cmd)
	if err != nil {
		return nil, err
	}
	m, err := newMigrator(url)
	if err != nil {
		return nil, oops.With("operation", "open migrator").Wrap(err)
	}
	return m, nil
}

func closeMigrator(cmd *cobra.Command, m migrator) {
	if err := m.Close(); err != nil {
		cmd.PrintErrln("Warning: failed to close migrator:", err)
	}
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	m, err := openMigrator(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(cmd, m)

	cmd.Println("Running migrations...")
	if err := m.Up(); err != nil {
		return oops.With("operation", "migrate up").Wrap(err)
	}

	v, _, err := m.Version()
	if err != nil {
		return err
	}
	cmd.Printf("Migrations completed successfully (version %d)\n", v)
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		return err //nolint:wrapcheck // flag lookup on a registered flag
	}
	steps, err := cmd.Flags().GetInt("steps")
	if err != nil {
		return err //nolint:wrapcheck // flag lookup on a registered flag
	}
	if !all && steps < 1 {
		return oops.Code("INVALID_STEPS").Errorf("--steps must be at least 1, got %d", steps)
	}

	m, err := openMigrator(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(cmd, m)

	if all {
		cmd.Println("Rolling back all migrations...")
		if err := m.Down(); err != nil {
			return oops.With("operation", "migrate down").Wrap(err)
		}
	} else {
		cmd.Printf("Rolling back %d migration(s)...\n", steps)
		if err := m.Steps(-steps); err != nil {
			return oops.With("operation", "migrate down").Wrap(err)
		}
	}

	v, _, err := m.Version()
	if err != nil {
		return err
	}
	cmd.Printf("Rollback complete (version %d)\n", v)
	return nil
}

func runMigrateStatus(cmd *cobra.Command, _ []string) error {
	m, err := openMigrator(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(cmd, m)

	st, err := m.Status()
	if err != nil {
		return err
	}

	cmd.Printf("Current version: %d", st.Version)
	if st.Dirty {
		cmd.Print(" (dirty)")
	}
	cmd.Println()

	printVersions(cmd, "Applied", st.Applied)
	printVersions(cmd, "Pending", st.Pending)
	return nil
}

func printVersions(cmd *cobra.Command, label string, versions []uint) {
	cmd.Printf("%s: %d\n", label, len(versions))
	for _, v := range versions {
		name, err := store.MigrationName(v)
		if err != nil || name == "" {
			name = strconv.FormatUint(uint64(v), 10)
		}
		cmd.Println("  " + name)
	}
}

func runMigrateVersion(cmd *cobra.Command, _ []string) error {
	m, err := openMigrator(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(cmd, m)

	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	if dirty {
		cmd.Printf("%d (dirty)\n", v)
		return nil
	}
	cmd.Println(v)
	return nil
}

func runMigrateForce(cmd *cobra.Command, args []string) error {
	v, err := parseForceVersion(args[0])
	if err != nil {
		return err
	}

	m, err := openMigrator(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(cmd, m)

	if err := m.Force(v); err != nil {
		return err
	}
	cmd.Printf("Forced schema version to %d\n", v)
	return nil
}

func parseForceVersion(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Errorf("version must be an integer: %q", s)
	}
	if v < 0 {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Errorf("version must be non-negative, got %d", v)
	}
	return v, nil
}
