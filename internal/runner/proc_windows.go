//go:build windows

package runner

import "os/exec"

// setProcessGroup is a no-op on Windows; the default context cancel kills
// the child process.
func setProcessGroup(cmd *exec.Cmd) {}
