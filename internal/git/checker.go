// Package git records which source revision a training run was launched from.
package git

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Checker runs git in a fixed directory.
type Checker struct {
	Dir string // Empty means the current directory
}

// NewChecker creates a checker for dir.
func NewChecker(dir string) *Checker {
	return &Checker{Dir: dir}
}

func (c *Checker) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = c.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return "", fmt.Errorf("git not found in PATH: %w", err)
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// IsGitRepository reports whether Dir is inside a work tree.
func (c *Checker) IsGitRepository() (bool, error) {
	out, err := c.git("rev-parse", "--is-inside-work-tree")
	if err != nil {
		if strings.Contains(err.Error(), "not found in PATH") {
			return false, err
		}
		return false, nil
	}
	return out == "true", nil
}

// HeadCommit returns the full hash of HEAD.
func (c *Checker) HeadCommit() (string, error) {
	return c.git("rev-parse", "HEAD")
}

// IsWorkspaceClean reports whether there are no staged, unstaged or
// untracked changes.
func (c *Checker) IsWorkspaceClean() (bool, error) {
	out, err := c.git("status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check Git status: %w", err)
	}
	return out == "", nil
}

// Revision describes the checked-out source for a run record: the HEAD
// hash, suffixed with "-dirty" when the work tree has changes. It returns
// "" outside a repository or before the first commit.
func (c *Checker) Revision() string {
	if ok, err := c.IsGitRepository(); err != nil || !ok {
		return ""
	}
	head, err := c.HeadCommit()
	if err != nil {
		return ""
	}
	if clean, err := c.IsWorkspaceClean(); err == nil && !clean {
		return head + "-dirty"
	}
	return head
}
