//go:build windows

package supervisor

import (
	"os"
	"os/exec"

	"golang.org/x/sys/windows"
)

func configureSysProcAttr(_ *exec.Cmd) {}

func terminateProcess(p *os.Process) error {
	// No SIGTERM on Windows; Kill is the only stop primitive.
	return p.Kill()
}

func killProcess(p *os.Process) error {
	return p.Kill()
}

// IsProcessAlive checks if a process with the given PID is still running.
// On Windows, we use OpenProcess to check if the process exists.
func IsProcessAlive(pid int) bool {
	// PROCESS_QUERY_LIMITED_INFORMATION is the minimum access right needed
	// to check if a process exists.
	const PROCESS_QUERY_LIMITED_INFORMATION = 0x1000

	handle, err := windows.OpenProcess(PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}

	// STILL_ACTIVE (259) means the process is still running
	return exitCode == 259
}
