package gitx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GoGitProvider is the go-git backed Provider implementation.
type GoGitProvider struct {
	logger *slog.Logger
	remote string
}

var _ Provider = (*GoGitProvider)(nil)

// NewGoGitProvider creates a provider. logger must not be nil.
func NewGoGitProvider(logger *slog.Logger) *GoGitProvider {
	return &GoGitProvider{
		logger: logger.With("component", "gitx"),
		remote: git.DefaultRemoteName,
	}
}

func authMethod(creds *Credentials) transport.AuthMethod {
	if creds == nil || creds.Token == "" {
		return nil
	}
	username := creds.Username
	if username == "" {
		// Token-only auth; most HTTPS hosts ignore the username but require
		// it to be non-empty.
		username = "git"
	}
	return &githttp.BasicAuth{Username: username, Password: creds.Token}
}

// Clone checks out branch of url into dest.
func (p *GoGitProvider) Clone(ctx context.Context, url, dest, branch string, creds *Credentials) (string, error) {
	opts := &git.CloneOptions{
		URL:  url,
		Auth: authMethod(creds),
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}

	p.logger.Debug("Cloning repository", "url", url, "dest", dest, "branch", branch)
	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return "", p.wrapCloneError(url, dest, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", p.wrapCloneError(url, dest, fmt.Errorf("resolve HEAD after clone: %w", err))
	}
	return head.Hash().String(), nil
}

// FetchAndReset hard-resets dir to the remote tip of its checked-out branch.
func (p *GoGitProvider) FetchAndReset(ctx context.Context, dir string, creds *Credentials) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", p.wrapUpdateError(dir, err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: p.remote,
		Auth:       authMethod(creds),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", p.wrapUpdateError(dir, fmt.Errorf("fetch: %w", err))
	}

	head, err := repo.Head()
	if err != nil {
		return "", p.wrapUpdateError(dir, fmt.Errorf("resolve HEAD: %w", err))
	}
	branch := head.Name().Short()

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(p.remote, branch), true)
	if err != nil {
		return "", p.wrapUpdateError(dir, fmt.Errorf("resolve %s/%s: %w", p.remote, branch, err))
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", p.wrapUpdateError(dir, err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: remoteRef.Hash()}); err != nil {
		return "", p.wrapUpdateError(dir, fmt.Errorf("hard reset: %w", err))
	}

	p.logger.Debug("Workspace updated", "dir", dir, "branch", branch, "commit", remoteRef.Hash().String())
	return remoteRef.Hash().String(), nil
}

// CurrentBranch returns the short branch name dir has checked out.
func (p *GoGitProvider) CurrentBranch(ctx context.Context, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("open repository %q: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD of %q: %w", dir, err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("repository %q is in detached HEAD state", dir)
	}
	return head.Name().Short(), nil
}

// StatusIsClean reports whether dir has no uncommitted changes.
func (p *GoGitProvider) StatusIsClean(ctx context.Context, dir string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return false, fmt.Errorf("open repository %q: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("resolve worktree of %q: %w", dir, err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("status of %q: %w", dir, err)
	}
	return status.IsClean(), nil
}

func (p *GoGitProvider) wrapCloneError(url, dest string, err error) error {
	recoverable, suggestion := classify(err)
	return &CloneError{URL: url, Dir: dest, Recoverable: recoverable, Suggestion: suggestion, Err: err}
}

func (p *GoGitProvider) wrapUpdateError(dir string, err error) error {
	recoverable, suggestion := classify(err)
	return &UpdateError{Dir: dir, Recoverable: recoverable, Suggestion: suggestion, Err: err}
}

// classify sorts provider failures into retryable transport problems and
// permanent configuration problems.
func classify(err error) (recoverable bool, suggestion string) {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return false, "verify the repository URL and that the access token is valid and unexpired"
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return false, "verify the repository URL and that the token has read access"
	case errors.Is(err, context.DeadlineExceeded):
		return true, "the git host did not respond in time; retry or raise the operation timeout"
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "timeout", "temporarily unavailable", "no such host", "i/o timeout"} {
		if strings.Contains(msg, marker) {
			return true, "network error while contacting the git host; retrying usually resolves it"
		}
	}
	return false, "inspect the underlying git error; the failure does not look transient"
}
