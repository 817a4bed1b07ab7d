// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package main is the entry point for the sessiond credential and session
// lifecycle service.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/holomush/sessiond/pkg/errutil"
)

// Exit codes. Any CONFIG_* error exits with exitConfigError.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfigError = 2
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := NewRootCmd()
	cmd.Version = formatVersion(version, commit, date)

	if err := cmd.Execute(); err != nil {
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	if strings.HasPrefix(errutil.Code(err), "CONFIG_") {
		return exitConfigError
	}
	return exitFailure
}

func formatVersion(version, commit, date string) string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}
