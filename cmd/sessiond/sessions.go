// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/sessiond/internal/config"
	"github.com/holomush/sessiond/internal/logging"
	"github.com/holomush/sessiond/internal/observability"
)

// NewSessionsCmd creates the sessions subcommand.
func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Maintain the session registry",
	}
	cmd.AddCommand(newSessionsPruneCmd())
	return cmd
}

func newSessionsPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete expired session records",
		Long: `Delete session records whose refresh token expired more than
--older-than ago. Live sessions are never touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			olderThan, err := cmd.Flags().GetDuration("older-than")
			if err != nil {
				return err //nolint:wrapcheck // flag lookup on a registered flag
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runPruneWithDeps(cmd.Context(), cfg, cmd, olderThan, nil)
		},
	}
	cmd.Flags().Duration("older-than", 24*time.Hour, "only delete sessions expired at least this long ago")
	return cmd
}

// runPruneWithDeps prunes expired sessions from the configured backend and
// prints how many records were removed.
func runPruneWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, olderThan time.Duration, deps *BackendDeps) error {
	if olderThan < 0 {
		return oops.Code("INVALID_DURATION").Errorf("--older-than must not be negative, got %s", olderThan)
	}
	if deps == nil {
		deps = &BackendDeps{}
	}
	deps.applyDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := logging.Setup(cfg.AppName, version, cfg.Log.Format, cfg.Log.Level, cmd.ErrOrStderr())

	b, err := openBackends(ctx, cfg, deps, logger)
	if err != nil {
		return oops.With("operation", "open stores").Wrap(err)
	}
	defer b.Close()

	svc, err := newAuthService(cfg, b, logger, observability.NewMetrics(prometheus.NewRegistry()))
	if err != nil {
		return oops.With("operation", "build auth service").Wrap(err)
	}

	n, err := svc.PruneExpired(ctx, olderThan)
	if err != nil {
		return err
	}
	cmd.Printf("Pruned %d expired session(s)\n", n)
	return nil
}
