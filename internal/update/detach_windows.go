//go:build windows

package update

import "os/exec"

func detach(_ *exec.Cmd) {}
