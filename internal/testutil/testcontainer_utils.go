// Package testutil starts the database containers used by the store and
// engine integration tests. Each container is started once per test binary
// and reaped by testcontainers when the binary exits.
package testutil

import (
	"testing"
)

// requireContainers skips the calling test in -short mode or when a
// container failed to start.
func requireContainers(t *testing.T, startErr error) {
	t.Helper()
	if startErr != nil {
		t.Skipf("container unavailable: %v", startErr)
	}
}

// SkipIfShort skips integration tests that need Docker in -short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
}
