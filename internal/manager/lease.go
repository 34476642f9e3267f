package manager

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/mattjoyce/repocache/internal/index"
)

// ErrOperationTimeout marks an operation outcome as a timeout for
// preservation-trigger classification. Callers wrap their deadline errors
// with it.
var ErrOperationTimeout = errors.New("operation timed out")

// TestFailureError marks an operation outcome as a test failure, preserving
// the workspace when preserve_on_test_failure is set.
type TestFailureError struct {
	Err error
}

func (e *TestFailureError) Error() string {
	if e.Err == nil {
		return "tests failed"
	}
	return "tests failed: " + e.Err.Error()
}

func (e *TestFailureError) Unwrap() error { return e.Err }

// classifyTrigger maps an operation error to a preservation trigger.
func classifyTrigger(err error) index.Trigger {
	if errors.Is(err, ErrOperationTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return index.TriggerTimeout
	}
	var tf *TestFailureError
	if errors.As(err, &tf) {
		return index.TriggerTestFailure
	}
	return index.TriggerFailure
}

// Lease is a caller's hold on a workspace. Release must be called exactly
// once; the workspace stays active (and locked against other processes)
// until then.
type Lease struct {
	Key        string
	Path       string
	IsNew      bool
	CommitHash string

	release func(ctx context.Context, opErr error) error
	done    bool
}

// Release ends the lease. opErr carries the outcome of whatever the caller
// did in the workspace: nil feeds the success path, non-nil may preserve the
// workspace per policy.
func (l *Lease) Release(ctx context.Context, opErr error) error {
	if l.done {
		return nil
	}
	l.done = true
	return l.release(ctx, opErr)
}

// dirSize measures a workspace's on-disk size. Unreadable entries are
// skipped; a partially measured size is still useful for eviction ordering.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
