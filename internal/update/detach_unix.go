//go:build !windows

package update

import (
	"os/exec"
	"syscall"
)

// detach puts the update script in its own session so it survives the
// daemon exiting underneath it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
