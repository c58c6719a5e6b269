// Package checkpoint snapshots the working tree after a successful
// iteration as a labeled git commit. Only the configured mutable source
// paths are staged; operational and metadata directories never enter a
// checkpoint.
package checkpoint

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.Command.
type ExecGit struct{}

func (g *ExecGit) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Committer commits iteration checkpoints.
type Committer struct {
	git         GitRunner
	repoDir     string
	mutableDirs []string
	progress    io.Writer
}

// NewCommitter creates a Committer for the given repository root. Only paths
// under mutableDirs are ever staged.
func NewCommitter(git GitRunner, repoDir string, mutableDirs []string) *Committer {
	return &Committer{git: git, repoDir: repoDir, mutableDirs: mutableDirs}
}

// SetProgress sets a writer for live progress output.
func (c *Committer) SetProgress(w io.Writer) {
	c.progress = w
}

func (c *Committer) logf(format string, args ...interface{}) {
	if c.progress != nil {
		fmt.Fprintf(c.progress, "  → "+format+"\n", args...)
	}
}

// CheckRepo verifies the project root is inside a git work tree. Called once
// at startup; failure here is fatal for the session before any iteration.
func (c *Committer) CheckRepo() error {
	out, err := c.git.Run(c.repoDir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return fmt.Errorf("project root %s is not a git repository: %w", c.repoDir, err)
	}
	if strings.TrimSpace(out) != "true" {
		return fmt.Errorf("project root %s is not inside a git work tree", c.repoDir)
	}
	return nil
}

// Commit stages the mutable source paths and commits them with the given
// iteration summary. It returns the commit hash as the checkpoint id. When
// nothing is staged (no net change since the previous checkpoint) it is a
// no-op returning an empty id and no error.
func (c *Committer) Commit(iteration int, summary string) (string, error) {
	args := append([]string{"add", "--"}, c.mutableDirs...)
	if _, err := c.git.Run(c.repoDir, args...); err != nil {
		return "", fmt.Errorf("stage mutable paths: %w", err)
	}

	staged, err := c.git.Run(c.repoDir, "diff", "--cached", "--name-only")
	if err != nil {
		return "", fmt.Errorf("inspect staged changes: %w", err)
	}
	if strings.TrimSpace(staged) == "" {
		c.logf("iteration %d: nothing to commit", iteration)
		return "", nil
	}

	message := fmt.Sprintf("fix-loop iteration %d\n\n%s", iteration, summary)
	if _, err := c.git.Run(c.repoDir, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit checkpoint: %w", err)
	}

	hash, err := c.git.Run(c.repoDir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve checkpoint id: %w", err)
	}
	c.logf("iteration %d: checkpoint %s", iteration, shortHash(hash))
	return hash, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
