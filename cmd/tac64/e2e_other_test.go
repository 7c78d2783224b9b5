//go:build !(darwin && arm64)

package main

import "testing"

// execAndWait is unreachable on this platform: TestEndToEndScenarios
// skips before calling it whenever GOOS/GOARCH isn't darwin/arm64.
func execAndWait(t *testing.T, path string) int {
	t.Helper()
	t.Fatal("execAndWait called on a non-darwin/arm64 build")
	return -1
}
