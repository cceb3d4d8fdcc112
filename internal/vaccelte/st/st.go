// SPDX-License-Identifier: Apache-2.0

// Package st collects small test helpers shared across this module's
// suites: skip-unless-root and scratch-directory helpers.
package st

import (
	"os"
	"testing"
)

// IsRoot reports whether the test process is running as uid 0.
func IsRoot() bool {
	return os.Getuid() == 0
}

// SkipIfNotRoot skips t unless the test process is running as root,
// for suites that exercise mode-0700 rundir creation under
// /run/user/<uid> and similar root-only filesystem paths.
func SkipIfNotRoot(t *testing.T) {
	t.Helper()
	if !IsRoot() {
		t.Skip("test requires root")
	}
}

// TempDir returns a fresh scratch directory that t.Cleanup removes,
// thin sugar over testing.T.TempDir kept here so suites that also need
// SkipIfNotRoot import one helper package instead of two conventions.
func TempDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}
