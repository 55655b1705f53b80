// Package testutil starts shared backing services for integration tests.
// Each container is started at most once per test binary.
package testutil

import (
	"testing"
)

// requireContainers skips t when containers should not be started, either
// because -short was given or because an earlier start attempt failed.
func requireContainers(t *testing.T, startErr error) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
	if startErr != nil {
		t.Skipf("container unavailable: %v", startErr)
	}
}
