//go:build windows

package executor

import "os/exec"

func setProcAttributes(cmd *exec.Cmd) {}

// terminateProcess terminates the worker directly. Windows has no process
// groups to signal, so grandchildren spawned by the worker may be orphaned;
// this is a known limitation of the platform.
func terminateProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
