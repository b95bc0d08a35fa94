//go:build windows

package watchdog

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// setProcAttr creates the child in a new process group so console
// control events target it independently of the supervisor.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}
