// Package workspace manages the daemon's on-disk layout: the session audit
// files, the persona cache, the skills directory, the projects tree and the
// secrets file.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/config"
	"github.com/milohq/milo-agent/internal/common/logger"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// Subdirectories of the workspace root
const (
	SessionsDir = "SESSIONS"
	PersonasDir = "PERSONAS"
	SkillsDir   = "SKILLS"
	ProjectsDir = "PROJECTS"

	envFileName = ".env"
)

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Workspace is the daemon's on-disk home.
type Workspace struct {
	root   string
	logger *logger.Logger
}

// New creates a workspace rooted at cfg.Root and ensures the layout exists
func New(cfg config.WorkspaceConfig, log *logger.Logger) (*Workspace, error) {
	root := cfg.Root
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		root = filepath.Join(home, ".milo")
	}

	w := &Workspace{
		root:   root,
		logger: log.WithFields(zap.String("component", "workspace")),
	}
	for _, dir := range []string{root, w.Dir(SessionsDir), w.Dir(PersonasDir), w.Dir(SkillsDir), w.Dir(ProjectsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace directory %s: %w", dir, err)
		}
	}
	return w, nil
}

// Root returns the workspace root path
func (w *Workspace) Root() string {
	return w.root
}

// Dir returns the absolute path of a workspace subdirectory
func (w *Workspace) Dir(name string) string {
	return filepath.Join(w.root, name)
}

// DatabasePath returns the absolute path of the embedded database file
func (w *Workspace) DatabasePath(fileName string) string {
	if fileName == "" {
		fileName = "milo.db"
	}
	return filepath.Join(w.root, fileName)
}

// sanitize makes an external identifier safe as a file name component
func sanitize(s string) string {
	return unsafePathChars.ReplaceAllString(s, "_")
}

// AuditPath returns the Markdown audit file for a session
func (w *Workspace) AuditPath(sessionID string) string {
	return filepath.Join(w.Dir(SessionsDir), sanitize(sessionID)+".md")
}

// AppendAudit appends one entry to a session's audit file. Audit writes are
// best effort; the durable copy lives in the database.
func (w *Workspace) AppendAudit(sessionID string, sender v1.MessageSender, content string) error {
	path := w.AuditPath(sessionID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()

	entry := fmt.Sprintf("### %s [%s]\n\n%s\n\n", time.Now().UTC().Format(time.RFC3339), sender, content)
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// PersonaPath returns the cached persona file path for an id and version
func (w *Workspace) PersonaPath(personaID, versionID string) string {
	name := fmt.Sprintf("%s--%s.md", sanitize(personaID), sanitize(versionID))
	return filepath.Join(w.Dir(PersonasDir), name)
}

// PersonaCached reports whether the persona version is already cached
func (w *Workspace) PersonaCached(personaID, versionID string) bool {
	_, err := os.Stat(w.PersonaPath(personaID, versionID))
	return err == nil
}

// StorePersona writes a persona definition into the cache
func (w *Workspace) StorePersona(personaID, versionID, content string) error {
	path := w.PersonaPath(personaID, versionID)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to cache persona: %w", err)
	}
	w.logger.Debug("persona cached", zap.String("persona_id", personaID), zap.String("version_id", versionID))
	return nil
}

// ProjectPath resolves a project name to its directory under PROJECTS/,
// creating it on first use.
func (w *Workspace) ProjectPath(name string) (string, error) {
	if name == "" {
		name = "default"
	}
	path := filepath.Join(w.Dir(ProjectsDir), sanitize(name))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create project directory %s: %w", path, err)
	}
	return path, nil
}

// Secrets reads the workspace .env file. A missing file is an empty map.
func (w *Workspace) Secrets() (map[string]string, error) {
	path := filepath.Join(w.root, envFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	env, err := gotenv.StrictParse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}
