// Package recovery detects workspaces left incomplete by a crashed or killed
// operation and restores them to a usable state. Repair is never attempted:
// a fresh clone is cheaper than risking silent corruption.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"

	"github.com/mattjoyce/repocache/internal/oplock"
)

// InterruptedError wraps the failure of an operation run under an operation
// lock. The marker is deliberately left on disk as recovery evidence.
type InterruptedError struct {
	Operation string
	Dir       string
	Err       error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("operation %q interrupted in %q: %v", e.Operation, e.Dir, e.Err)
}

func (e *InterruptedError) Unwrap() error { return e.Err }

// CorruptedError reports a workspace that failed post-operation integrity
// validation.
type CorruptedError struct {
	Dir    string
	Reason string
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("corrupted workspace %q: %s", e.Dir, e.Reason)
}

// requiredGitEntries are the internal components a usable checkout's .git
// directory must contain.
var requiredGitEntries = []string{"HEAD", "objects", "refs", "config"}

// Checker validates workspace structure and recovers interrupted ones.
type Checker struct {
	logger *slog.Logger
}

// NewChecker creates a Checker. logger must not be nil.
func NewChecker(logger *slog.Logger) *Checker {
	return &Checker{logger: logger.With("component", "recovery")}
}

// IsIncomplete reports whether dir holds the remains of an interrupted
// operation: an operation marker is present, or the directory is not a
// structurally valid git checkout. A directory that does not exist is not
// incomplete; there is nothing to recover.
func (c *Checker) IsIncomplete(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil {
		return false
	}
	if !info.IsDir() {
		return true
	}

	if oplock.HasMarker(dir) {
		return true
	}

	gitDir := filepath.Join(dir, ".git")
	if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
		return true
	}
	for _, entry := range requiredGitEntries {
		if _, err := os.Stat(filepath.Join(gitDir, entry)); err != nil {
			return true
		}
	}
	return false
}

// Recover deletes dir entirely if IsIncomplete reports it unusable. It
// returns whether a recovery deletion happened.
func (c *Checker) Recover(dir string) (bool, error) {
	if !c.IsIncomplete(dir) {
		return false, nil
	}

	c.logger.Warn("Removing incomplete workspace", "dir", dir)
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove incomplete workspace %q: %w", dir, err)
	}
	return true, nil
}

// WithOperationLock recovers dir if needed, writes the operation marker, runs
// fn, and removes the marker only when fn succeeds. On failure the marker
// stays behind so the next caller's recovery pass finds it.
func (c *Checker) WithOperationLock(dir, operation string, fn func() error) error {
	if _, err := c.Recover(dir); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace directory %q: %w", dir, err)
	}
	if _, err := oplock.WriteMarker(dir, operation); err != nil {
		return fmt.Errorf("acquire operation lock for %q: %w", dir, err)
	}

	if err := fn(); err != nil {
		return &InterruptedError{Operation: operation, Dir: dir, Err: err}
	}

	if err := oplock.RemoveMarker(dir); err != nil {
		return fmt.Errorf("release operation lock for %q: %w", dir, err)
	}
	return nil
}

// ValidateIntegrity is the stricter post-operation check: a lingering marker
// or a repository that cannot answer a basic status query fails it.
func (c *Checker) ValidateIntegrity(dir string) error {
	if oplock.HasMarker(dir) {
		return &CorruptedError{Dir: dir, Reason: "operation marker still present"}
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return &CorruptedError{Dir: dir, Reason: "not a git repository"}
		}
		return &CorruptedError{Dir: dir, Reason: fmt.Sprintf("open repository: %v", err)}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return &CorruptedError{Dir: dir, Reason: fmt.Sprintf("resolve worktree: %v", err)}
	}
	if _, err := wt.Status(); err != nil {
		return &CorruptedError{Dir: dir, Reason: fmt.Sprintf("status query failed: %v", err)}
	}
	return nil
}
