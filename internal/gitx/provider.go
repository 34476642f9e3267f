// Package gitx wraps git clone/fetch/checkout plumbing behind a small
// provider interface so the workspace manager never touches transport
// details or credentials directly.
package gitx

import (
	"context"
	"fmt"
)

//go:generate mockgen -destination=../manager/mocks/mock_provider.go -package=mocks github.com/mattjoyce/repocache/internal/gitx Provider

// Credentials is a short-lived token pair passed through to a single git
// operation. It is never persisted.
type Credentials struct {
	Username string
	Token    string
}

// CredentialSource supplies credentials for one operation at a time.
// Implementations typically mint short-lived tokens.
type CredentialSource interface {
	Credentials(ctx context.Context, repoURL string) (*Credentials, error)
}

// Provider executes git operations against a workspace directory.
type Provider interface {
	// Clone checks out branch of url into dest and returns the HEAD commit
	// hash. An empty branch clones the remote default.
	Clone(ctx context.Context, url, dest, branch string, creds *Credentials) (string, error)

	// FetchAndReset updates dir to the remote tip of its current branch,
	// discarding local changes, and returns the new HEAD commit hash.
	FetchAndReset(ctx context.Context, dir string, creds *Credentials) (string, error)

	// CurrentBranch returns the short name of the branch dir has checked out.
	CurrentBranch(ctx context.Context, dir string) (string, error)

	// StatusIsClean reports whether dir has no uncommitted changes.
	StatusIsClean(ctx context.Context, dir string) (bool, error)
}

// CloneError reports a failed clone. Recoverable errors are worth retrying;
// Suggestion is a human-readable hint carried to the caller.
type CloneError struct {
	URL         string
	Dir         string
	Recoverable bool
	Suggestion  string
	Err         error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("clone %s into %q failed: %v", e.URL, e.Dir, e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// UpdateError reports a failed fetch/reset of an existing checkout.
type UpdateError struct {
	Dir         string
	Recoverable bool
	Suggestion  string
	Err         error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update of %q failed: %v", e.Dir, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }
