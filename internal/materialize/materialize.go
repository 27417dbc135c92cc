// Package materialize writes generated unit artifacts to the deployment
// root. It enforces the kernel's protected namespace, validates unit
// names against a strict pattern so no artifact can land outside the
// root, and writes atomically so a partially written unit is never
// visible.
package materialize

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// namePattern admits dotted lower-case identifiers: "perception.fswatch".
// Anything else (path separators, "..", uppercase, leading digits) is
// rejected before a path is ever built.
var namePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)+$`)

// ProtectionError reports an attempt to deploy into the kernel's own
// namespace.
type ProtectionError struct {
	Name string
}

func (e *ProtectionError) Error() string {
	return fmt.Sprintf("protected namespace violation: cannot materialize %q", e.Name)
}

// InvalidNameError reports a unit name that fails validation.
type InvalidNameError struct {
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid unit name %q: %s", e.Name, e.Reason)
}

// DefaultProtectedPrefixes cover the kernel itself.
var DefaultProtectedPrefixes = []string{"morphogen.", "kernel."}

// Materializer converts unit names to paths under the deployment root and
// writes artifact source there.
type Materializer struct {
	root              string
	protectedPrefixes []string
	log               *zap.Logger
}

// New creates a materializer rooted at root. Nil protectedPrefixes selects
// the defaults.
func New(root string, protectedPrefixes []string, log *zap.Logger) (*Materializer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving deployment root: %w", err)
	}
	if protectedPrefixes == nil {
		protectedPrefixes = DefaultProtectedPrefixes
	}
	return &Materializer{root: abs, protectedPrefixes: protectedPrefixes, log: log}, nil
}

// Root returns the deployment root.
func (m *Materializer) Root() string { return m.root }

// Materialize writes the artifact for a unit and returns its path.
func (m *Materializer) Materialize(name, artifact string) (string, error) {
	path, err := m.unitPath(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating unit directory: %w", err)
	}
	if err := m.atomicWrite(path, []byte(artifact)); err != nil {
		return "", err
	}
	m.log.Info("materialized unit", zap.String("unit", name), zap.String("path", path))
	return path, nil
}

// unitPath validates the name and resolves its storage location,
// rejecting anything that would fall outside the deployment root.
func (m *Materializer) unitPath(name string) (string, error) {
	if name == "" {
		return "", &InvalidNameError{Name: name, Reason: "empty"}
	}
	if !namePattern.MatchString(name) {
		return "", &InvalidNameError{Name: name, Reason: "must be dotted lower-case identifiers"}
	}
	for _, prefix := range m.protectedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return "", &ProtectionError{Name: name}
		}
	}

	parts := strings.Split(name, ".")
	last := len(parts) - 1
	path := filepath.Join(append([]string{m.root}, parts[:last]...)...)
	path = filepath.Join(path, parts[last]+".go")

	resolved, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving unit path: %w", err)
	}
	rel, err := filepath.Rel(m.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &InvalidNameError{Name: name, Reason: "resolves outside deployment root"}
	}
	return resolved, nil
}

func (m *Materializer) atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".unit-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming artifact into place: %w", err)
	}
	return nil
}

// Exists reports whether the unit's artifact is on disk. Invalid or
// protected names report false.
func (m *Materializer) Exists(name string) bool {
	path, err := m.unitPath(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Read returns the artifact source for a unit.
func (m *Materializer) Read(name string) (string, error) {
	path, err := m.unitPath(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading unit %s: %w", name, err)
	}
	return string(data), nil
}

// Delete removes a unit's artifact. Parent directories are kept.
func (m *Materializer) Delete(name string) error {
	path, err := m.unitPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	m.log.Info("deleted unit artifact", zap.String("unit", name))
	return nil
}

// List walks the deployment root and returns the names of all
// materialized units.
func (m *Materializer) List() ([]string, error) {
	var units []string
	err := filepath.WalkDir(m.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" {
			return nil
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(rel, ".go")
		name = strings.ReplaceAll(name, string(filepath.Separator), ".")
		if namePattern.MatchString(name) {
			units = append(units, name)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return units, err
}
