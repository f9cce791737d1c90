package workspace

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/milohq/milo-agent/internal/common/errors"
)

// Skill is one installed skill: a Markdown file with a YAML front-matter
// header. Skills live either as SKILLS/{slug}.md or SKILLS/{slug}/{slug}.md
// bundles with supporting files alongside.
type Skill struct {
	Slug        string `yaml:"-"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
	Path        string `yaml:"-"`
}

var frontMatterDelim = []byte("---")

// parseFrontMatter splits a skill file into its YAML header and body
func parseFrontMatter(data []byte) (header []byte, body []byte, ok bool) {
	trimmed := bytes.TrimLeft(data, "\r\n")
	if !bytes.HasPrefix(trimmed, frontMatterDelim) {
		return nil, data, false
	}
	rest := trimmed[len(frontMatterDelim):]
	end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
	if end < 0 {
		return nil, data, false
	}
	header = rest[:end]
	body = rest[end+1+len(frontMatterDelim):]
	return header, body, true
}

// skillFile locates the Markdown file for a slug, preferring the bundle
// layout.
func (w *Workspace) skillFile(slug string) string {
	slug = sanitize(slug)
	bundle := filepath.Join(w.Dir(SkillsDir), slug, slug+".md")
	if _, err := os.Stat(bundle); err == nil {
		return bundle
	}
	return filepath.Join(w.Dir(SkillsDir), slug+".md")
}

// ListSkills enumerates installed skills with their parsed metadata.
// Files without front-matter still count; their slug doubles as the name.
func (w *Workspace) ListSkills() ([]*Skill, error) {
	entries, err := os.ReadDir(w.Dir(SkillsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read skills directory: %w", err)
	}

	var skills []*Skill
	for _, entry := range entries {
		var slug, path string
		if entry.IsDir() {
			slug = entry.Name()
			path = filepath.Join(w.Dir(SkillsDir), slug, slug+".md")
			if _, err := os.Stat(path); err != nil {
				continue
			}
		} else {
			if !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			slug = strings.TrimSuffix(entry.Name(), ".md")
			path = filepath.Join(w.Dir(SkillsDir), entry.Name())
		}

		skill, err := w.loadSkill(slug, path)
		if err != nil {
			w.logger.Warn("skipping unreadable skill", zap.String("slug", slug), zap.Error(err))
			continue
		}
		skills = append(skills, skill)
	}
	return skills, nil
}

func (w *Workspace) loadSkill(slug, path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	skill := &Skill{Slug: slug, Name: slug, Path: path}
	if header, _, ok := parseFrontMatter(data); ok {
		if err := yaml.Unmarshal(header, skill); err != nil {
			return nil, fmt.Errorf("invalid skill front-matter: %w", err)
		}
		if skill.Name == "" {
			skill.Name = slug
		}
	}
	return skill, nil
}

// GetSkill loads one skill by slug
func (w *Workspace) GetSkill(slug string) (*Skill, error) {
	path := w.skillFile(slug)
	if _, err := os.Stat(path); err != nil {
		return nil, apperrors.NotFound("skill", slug)
	}
	return w.loadSkill(sanitize(slug), path)
}

// InstallSkill writes a new skill file. Fails when the slug already exists.
func (w *Workspace) InstallSkill(slug, content string) error {
	path := w.skillFile(slug)
	if _, err := os.Stat(path); err == nil {
		return apperrors.Conflict(fmt.Sprintf("skill '%s' is already installed", slug))
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to install skill: %w", err)
	}
	w.logger.Info("skill installed", zap.String("slug", slug))
	return nil
}

// UpdateSkill overwrites an existing skill file
func (w *Workspace) UpdateSkill(slug, content string) error {
	path := w.skillFile(slug)
	if _, err := os.Stat(path); err != nil {
		return apperrors.NotFound("skill", slug)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to update skill: %w", err)
	}
	w.logger.Info("skill updated", zap.String("slug", slug))
	return nil
}

// DeleteSkill removes a skill, bundle directories included
func (w *Workspace) DeleteSkill(slug string) error {
	slug = sanitize(slug)
	bundle := filepath.Join(w.Dir(SkillsDir), slug)
	if info, err := os.Stat(bundle); err == nil && info.IsDir() {
		if err := os.RemoveAll(bundle); err != nil {
			return fmt.Errorf("failed to delete skill bundle: %w", err)
		}
		w.logger.Info("skill deleted", zap.String("slug", slug))
		return nil
	}

	single := filepath.Join(w.Dir(SkillsDir), slug+".md")
	if _, err := os.Stat(single); err != nil {
		return apperrors.NotFound("skill", slug)
	}
	if err := os.Remove(single); err != nil {
		return fmt.Errorf("failed to delete skill: %w", err)
	}
	w.logger.Info("skill deleted", zap.String("slug", slug))
	return nil
}

// SkillPaths returns the Markdown file paths of all installed skills, used
// to seed a worker's init bundle.
func (w *Workspace) SkillPaths() ([]string, error) {
	skills, err := w.ListSkills()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(skills))
	for _, s := range skills {
		paths = append(paths, s.Path)
	}
	return paths, nil
}
