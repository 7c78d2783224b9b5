//go:build darwin && arm64

package main

import (
	"os/exec"
	"testing"

	"golang.org/x/sys/unix"
)

// execAndWait runs path and blocks for its exit status via unix.Wait4,
// matching the teacher's existing use of golang.org/x/sys/unix for
// process-level work (see filewatcher_darwin.go's kqueue calls).
func execAndWait(t *testing.T, path string) int {
	t.Helper()

	cmd := exec.Command(path)
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	var status unix.WaitStatus
	if _, err := unix.Wait4(cmd.Process.Pid, &status, 0, nil); err != nil {
		t.Fatalf("Wait4() error: %v", err)
	}
	return status.ExitStatus()
}
