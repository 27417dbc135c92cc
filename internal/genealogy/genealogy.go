// Package genealogy maintains the versioned history of deployed artifacts
// using a git repository nested inside the deployment root, completely
// isolated from any outer project history. It provides snapshot commits
// after successful evolutions and hard rollback for the auto-immune
// response.
package genealogy

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Genealogy wraps git operations rooted at the deployment directory.
type Genealogy struct {
	root        string
	authorName  string
	authorEmail string
	enabled     bool
	log         *zap.Logger
}

// New creates a genealogy over root. Disabled instances turn every
// operation into a no-op, which keeps the orchestrator free of nil
// checks.
func New(root, authorName, authorEmail string, enabled bool, log *zap.Logger) (*Genealogy, error) {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving deployment root: %w", err)
	}
	return &Genealogy{
		root:        abs,
		authorName:  authorName,
		authorEmail: authorEmail,
		enabled:     enabled,
		log:         log,
	}, nil
}

// InitRepo initializes the nested repository if needed and records the
// initial snapshot. Idempotent.
func (g *Genealogy) InitRepo() error {
	if !g.enabled {
		return nil
	}
	if _, err := os.Stat(filepath.Join(g.root, ".git")); err == nil {
		return nil
	}

	name, err := ValidateIdentity(g.authorName)
	if err != nil {
		return fmt.Errorf("author name: %w", err)
	}
	email, err := ValidateIdentity(g.authorEmail)
	if err != nil {
		return fmt.Errorf("author email: %w", err)
	}

	if err := os.MkdirAll(g.root, 0o755); err != nil {
		return fmt.Errorf("creating deployment root: %w", err)
	}

	g.log.Info("initializing genealogy repository", zap.String("root", g.root))
	if _, err := g.runGit("init"); err != nil {
		return err
	}
	if _, err := g.runGit("config", "user.name", name); err != nil {
		return err
	}
	if _, err := g.runGit("config", "user.email", email); err != nil {
		return err
	}

	readme := filepath.Join(g.root, "README.md")
	if _, err := os.Stat(readme); os.IsNotExist(err) {
		content := "# Deployed units\n\nThis directory holds generated capability units. History is managed by morphogen.\n"
		if err := os.WriteFile(readme, []byte(content), 0o644); err != nil {
			return fmt.Errorf("seeding repository: %w", err)
		}
	}
	if _, err := g.runGit("add", "-A"); err != nil {
		return err
	}
	if _, err := g.runGit("commit", "-m", "genesis: initial snapshot"); err != nil {
		return err
	}
	return nil
}

// Commit snapshots the current working tree. Returns false without
// creating a history entry when nothing changed.
func (g *Genealogy) Commit(message string) (bool, error) {
	if !g.enabled {
		return false, nil
	}
	msg, err := ValidateMessage(message)
	if err != nil {
		return false, fmt.Errorf("commit message: %w", err)
	}

	status, err := g.runGit("status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}

	if _, err := g.runGit("add", "-A"); err != nil {
		return false, err
	}
	if _, err := g.runGit("commit", "-m", msg); err != nil {
		return false, err
	}
	g.log.Info("snapshot committed", zap.String("message", msg))
	return true, nil
}

// RevertLast hard-resets to the immediately preceding committed snapshot.
func (g *Genealogy) RevertLast() error {
	if !g.enabled {
		return nil
	}
	g.log.Warn("reverting to previous snapshot")
	_, err := g.runGit("reset", "--hard", "HEAD^")
	return err
}

// Diff returns the textual diff between HEAD and the given number of
// generations back, clamped to [1,100].
func (g *Genealogy) Diff(generations int) (string, error) {
	if !g.enabled {
		return "", nil
	}
	if generations < 1 || generations > 100 {
		generations = 1
	}
	return g.runGit("diff", fmt.Sprintf("HEAD~%d", generations), "HEAD")
}

// runGit executes git within the deployment root, capturing output so
// nothing leaks to the kernel's stdout.
func (g *Genealogy) runGit(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
