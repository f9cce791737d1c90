// Package update implements the daemon self-update flow: check the remote
// for a newer release, then hand off to a shell script that swaps the
// binary and restarts the daemon.
package update

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/logger"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

const (
	scriptName = ".update-daemon.sh"
	logName    = "update.log"
)

// ReleaseClient fetches the latest published release
type ReleaseClient interface {
	LatestRelease(ctx context.Context) (*v1.ReleaseInfo, error)
}

// Updater checks for and applies daemon updates.
type Updater struct {
	client        ReleaseClient
	workspaceRoot string
	version       string
	logger        *logger.Logger
}

// NewUpdater creates an updater. version is the running daemon's version.
func NewUpdater(client ReleaseClient, workspaceRoot, version string, log *logger.Logger) *Updater {
	return &Updater{
		client:        client,
		workspaceRoot: workspaceRoot,
		version:       version,
		logger:        log.WithFields(zap.String("component", "updater")),
	}
}

// Check returns the latest release and whether it is newer than the
// running version.
func (u *Updater) Check(ctx context.Context) (*v1.ReleaseInfo, bool, error) {
	release, err := u.client.LatestRelease(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check for updates: %w", err)
	}
	newer := release.Version != "" && normalizeVersion(release.Version) != normalizeVersion(u.version)
	return release, newer, nil
}

// Apply writes the update script and launches it detached. The script
// downloads the new binary, replaces the current executable and restarts
// the daemon; its output goes to update.log in the workspace root.
func (u *Updater) Apply(_ context.Context, release *v1.ReleaseInfo) error {
	if release.DownloadURL == "" {
		return fmt.Errorf("release %s has no download url", release.Version)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve current executable: %w", err)
	}

	scriptPath := filepath.Join(u.workspaceRoot, scriptName)
	logPath := filepath.Join(u.workspaceRoot, logName)
	script := buildScript(release.DownloadURL, executable, os.Getpid())

	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return fmt.Errorf("failed to write update script: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open update log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command("sh", scriptPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch update script: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		u.logger.Warn("failed to release update process", zap.Error(err))
	}

	u.logger.Info("update handed off",
		zap.String("version", release.Version),
		zap.String("script", scriptPath))
	return nil
}

// CurrentVersion returns the running daemon version
func (u *Updater) CurrentVersion() string {
	return u.version
}

func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

func buildScript(downloadURL, executable string, pid int) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n")
	fmt.Fprintf(&b, "echo \"update started $(date)\"\n")
	fmt.Fprintf(&b, "tmp=$(mktemp)\n")
	fmt.Fprintf(&b, "curl -fsSL -o \"$tmp\" %q\n", downloadURL)
	fmt.Fprintf(&b, "chmod +x \"$tmp\"\n")
	// Stop the running daemon before swapping the binary
	fmt.Fprintf(&b, "kill %d 2>/dev/null || true\n", pid)
	fmt.Fprintf(&b, "i=0; while kill -0 %d 2>/dev/null && [ $i -lt 30 ]; do sleep 1; i=$((i+1)); done\n", pid)
	fmt.Fprintf(&b, "mv \"$tmp\" %q\n", executable)
	fmt.Fprintf(&b, "%q &\n", executable)
	fmt.Fprintf(&b, "echo \"update finished $(date)\"\n")
	return b.String()
}
