//go:build !windows

package watchdog

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so the
// supervisor's signals do not tear it down implicitly.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
