// Package manager composes the filesystem guard, cache index, recovery
// checker, preservation policy, and cleanup scheduler into the workspace
// lifecycle: "give me a checkout for (repository, branch)" and "run this
// operation, preserving the workspace on failure."
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/repocache/internal/cleanup"
	"github.com/mattjoyce/repocache/internal/config"
	"github.com/mattjoyce/repocache/internal/fsguard"
	"github.com/mattjoyce/repocache/internal/gitx"
	"github.com/mattjoyce/repocache/internal/index"
	"github.com/mattjoyce/repocache/internal/oplock"
	"github.com/mattjoyce/repocache/internal/preserve"
	"github.com/mattjoyce/repocache/internal/recovery"
)

// Request identifies the workspace a caller wants.
type Request struct {
	RepoURL string
	Branch  string

	// Credentials, when set, override the manager's credential source for
	// this request only.
	Credentials *gitx.Credentials
}

// Manager orchestrates the workspace cache. Construct one per process at the
// composition root and thread it through call sites; it owns no global
// state.
type Manager struct {
	cfg      *config.Config
	store    *index.Store
	provider gitx.Provider
	creds    gitx.CredentialSource
	checker  *recovery.Checker
	policy   *preserve.Policy
	cleaner  *cleanup.Scheduler
	logger   *slog.Logger
	baseDir  string
	now      func() time.Time
}

// New creates a Manager. creds may be nil when repositories need no
// authentication; every other dependency is required.
func New(cfg *config.Config, store *index.Store, provider gitx.Provider, creds gitx.CredentialSource,
	checker *recovery.Checker, policy *preserve.Policy, cleaner *cleanup.Scheduler, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		provider: provider,
		creds:    creds,
		checker:  checker,
		policy:   policy,
		cleaner:  cleaner,
		logger:   logger.With("component", "manager"),
		baseDir:  cfg.Service.BaseDir,
		now:      time.Now,
	}
}

func (m *Manager) credentials(ctx context.Context, req Request) (*gitx.Credentials, error) {
	if req.Credentials != nil {
		return req.Credentials, nil
	}
	if m.creds == nil {
		return nil, nil
	}
	creds, err := m.creds.Credentials(ctx, req.RepoURL)
	if err != nil {
		return nil, fmt.Errorf("obtain credentials for %s: %w", req.RepoURL, err)
	}
	return creds, nil
}

func (m *Manager) retryPolicy() gitx.RetryPolicy {
	return gitx.RetryPolicy{
		MaxRetries:   m.cfg.ErrorHandling.MaxRetries,
		InitialDelay: m.cfg.ErrorHandling.InitialRetryDelay,
		MaxDelay:     m.cfg.ErrorHandling.MaxRetryDelay,
	}
}

func (m *Manager) preFlight() error {
	if !m.cfg.ErrorHandling.EnablePreFlightChecks {
		return nil
	}
	if err := fsguard.EnsureWritableDirectory(m.baseDir); err != nil {
		return err
	}
	return fsguard.EnsureSufficientSpace(m.baseDir, m.cfg.ErrorHandling.RequiredDiskSpaceBytes)
}

// GetWorkspace returns a lease on a ready-to-use checkout for the request,
// reusing a cached one when it passes validation and cloning otherwise.
// A key held by another process fails fast with a WorkspaceBusy condition
// (oplock.ErrBusy).
func (m *Manager) GetWorkspace(ctx context.Context, req Request) (*Lease, error) {
	if req.RepoURL == "" {
		return nil, fmt.Errorf("repository URL is empty")
	}

	if err := m.preFlight(); err != nil {
		return nil, err
	}

	key := index.DeriveKey(req.RepoURL, req.Branch)
	path := filepath.Join(m.baseDir, key)
	logger := m.logger.With("key", key, "repo_url", req.RepoURL, "branch", req.Branch)

	keyLock, err := oplock.AcquireKeyLock(filepath.Join(m.baseDir, key+".lock"))
	if err != nil {
		return nil, err
	}

	_, existed, err := m.store.LookupOrReserve(ctx, key, req.RepoURL, req.Branch, path, m.now())
	if err != nil {
		_ = keyLock.Release()
		return nil, err
	}

	creds, err := m.credentials(ctx, req)
	if err != nil {
		m.abandonReservation(ctx, key, keyLock)
		return nil, err
	}

	var commit string
	isNew := !existed

	if existed {
		commit, err = m.refreshExisting(ctx, logger, path, creds)
		if err != nil {
			var updateErr *gitx.UpdateError
			if errors.As(err, &updateErr) {
				// The checkout is structurally fine; only the fetch failed.
				// Keep the cached workspace instead of destroying it.
				if relErr := m.store.Release(ctx, key, index.StateIdle, m.now()); relErr != nil {
					logger.Error("Failed to release workspace after fetch failure", "error", relErr.Error())
				}
				_ = keyLock.Release()
				return nil, err
			}
			// Structurally unusable; rebuild from scratch.
			logger.Warn("Cached workspace failed validation, re-cloning", "error", err.Error())
			isNew = true
		}
	}

	if isNew {
		commit, err = m.cloneFresh(ctx, logger, req, path, creds)
		if err != nil {
			m.abandonReservation(ctx, key, keyLock)
			return nil, err
		}
	}

	logger.Info("Workspace ready", "is_new", isNew, "commit", commit)

	lease := &Lease{
		Key:        key,
		Path:       path,
		IsNew:      isNew,
		CommitHash: commit,
	}
	lease.release = func(ctx context.Context, opErr error) error {
		defer func() { _ = keyLock.Release() }()
		return m.releaseLease(ctx, lease, opErr)
	}
	return lease, nil
}

// refreshExisting validates a cached checkout and brings it up to date.
func (m *Manager) refreshExisting(ctx context.Context, logger *slog.Logger, path string, creds *gitx.Credentials) (string, error) {
	if m.checker.IsIncomplete(path) {
		return "", fmt.Errorf("workspace %q is incomplete", path)
	}
	if err := m.checker.ValidateIntegrity(path); err != nil {
		return "", err
	}

	var commit string
	err := gitx.Retry(ctx, m.retryPolicy(), logger, func() error {
		var err error
		commit, err = m.provider.FetchAndReset(ctx, path, creds)
		return err
	})
	if err != nil {
		return "", err
	}
	return commit, nil
}

// cloneFresh removes any leftovers at path and clones under an operation
// lock so a crash mid-clone is detected by the next request.
func (m *Manager) cloneFresh(ctx context.Context, logger *slog.Logger, req Request, path string, creds *gitx.Credentials) (string, error) {
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("clear workspace path %q: %w", path, err)
	}
	var commit string
	err := m.checker.WithOperationLock(path, "clone", func() error {
		return gitx.Retry(ctx, m.retryPolicy(), logger, func() error {
			var err error
			commit, err = m.provider.Clone(ctx, req.RepoURL, path, req.Branch, creds)
			return err
		})
	})
	if err != nil {
		return "", err
	}
	return commit, nil
}

// abandonReservation rolls back an active reservation after a failed
// acquisition so the key does not stay busy forever.
func (m *Manager) abandonReservation(ctx context.Context, key string, keyLock *oplock.KeyLock) {
	if err := m.store.Release(ctx, key, index.StateCorrupted, m.now()); err != nil {
		m.logger.Error("Failed to roll back workspace reservation", "key", key, "error", err.Error())
	}
	_ = keyLock.Release()
}

// releaseLease transitions the record out of active, applying the
// preservation policy and the throwaway-size rule, then schedules a cleanup
// pass.
func (m *Manager) releaseLease(ctx context.Context, lease *Lease, opErr error) error {
	now := m.now()
	size := dirSize(lease.Path)
	if err := m.store.UpdateSize(ctx, lease.Key, size); err != nil {
		m.logger.Warn("Failed to record workspace size", "key", lease.Key, "error", err.Error())
	}

	var releaseErr error
	switch {
	case opErr != nil:
		trigger := classifyTrigger(opErr)
		if m.policy.ShouldPreserve(trigger) {
			expires := m.policy.Retention(trigger, now)
			note := opErr.Error()
			releaseErr = m.store.Preserve(ctx, lease.Key, trigger, note, expires, now)
			if releaseErr == nil {
				m.logger.Info("Workspace preserved after failed operation",
					"key", lease.Key, "trigger", string(trigger))
			}
		} else {
			releaseErr = m.store.Release(ctx, lease.Key, index.StateIdle, now)
		}

	case size < m.cfg.Cache.SizeThresholdBytes:
		// Small checkouts are cheaper to re-clone than to cache. The lease
		// still holds the key lock here, so removal goes through RemoveHeld.
		releaseErr = m.store.Release(ctx, lease.Key, index.StateIdle, now)
		if releaseErr == nil {
			rec, err := m.store.Get(ctx, lease.Key)
			if err == nil && rec != nil {
				releaseErr = m.cleaner.RemoveHeld(ctx, rec, false)
			}
		}

	default:
		releaseErr = m.store.Release(ctx, lease.Key, index.StateIdle, now)
	}

	if err := m.cleaner.ScheduleSweep(ctx); err != nil {
		m.logger.Error("Cleanup sweep failed", "error", err.Error())
	}
	return releaseErr
}

// WithWorkspace acquires a workspace, runs fn inside it under an operation
// lock, and releases with fn's outcome. The operation marker survives a
// failure as recovery evidence, and a cleanup pass is always scheduled.
func (m *Manager) WithWorkspace(ctx context.Context, req Request, fn func(ctx context.Context, path string) error) error {
	lease, err := m.GetWorkspace(ctx, req)
	if err != nil {
		return err
	}

	opErr := m.checker.WithOperationLock(lease.Path, "operation", func() error {
		return fn(ctx, lease.Path)
	})

	if releaseErr := lease.Release(ctx, opErr); releaseErr != nil {
		m.logger.Error("Failed to release workspace", "key", lease.Key, "error", releaseErr.Error())
	}
	return opErr
}

// CleanupOptions tune explicit cleanup calls.
type CleanupOptions struct {
	// Force bypasses the managed-path check. The base directory itself is
	// still always rejected.
	Force bool
	// IncludePreserved removes preserved workspaces too.
	IncludePreserved bool
}

// CleanupWorkspace removes the workspace at path. Paths outside the managed
// base are rejected unless Force is set.
func (m *Manager) CleanupWorkspace(ctx context.Context, path string, opts CleanupOptions) error {
	if err := fsguard.ValidateManagedPath(path, m.baseDir, opts.Force); err != nil {
		return err
	}

	records, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", path, err)
	}
	for _, rec := range records {
		if rec.Path != abs && rec.Path != path {
			continue
		}
		if rec.State == index.StateActive || rec.State == index.StateLocked {
			held, err := oplock.AcquireKeyLock(filepath.Join(m.baseDir, rec.Key+".lock"))
			if errors.Is(err, oplock.ErrBusy) {
				return fmt.Errorf("%w: workspace %q is %s", oplock.ErrBusy, rec.Key, rec.State)
			}
			if err != nil {
				return err
			}
			// Nobody holds the key; the row is a leftover from a dead process.
			defer func() { _ = held.Release() }()
			return m.cleaner.RemoveHeld(ctx, rec, opts.Force)
		}
		return m.cleaner.Remove(ctx, rec, opts.Force)
	}

	// No index record: an unmanaged leftover inside the base directory.
	return m.cleaner.Remove(ctx, &index.Record{Key: index.DeriveKey(path, ""), Path: path}, opts.Force)
}

// CleanupAllWorkspaces removes every non-busy workspace. Preserved entries
// are kept unless IncludePreserved is set.
func (m *Manager) CleanupAllWorkspaces(ctx context.Context, opts CleanupOptions) error {
	records, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		switch rec.State {
		case index.StateActive, index.StateLocked:
			continue
		case index.StatePreserved:
			if !opts.IncludePreserved {
				continue
			}
		}
		if err := m.cleaner.Remove(ctx, rec, opts.Force); err != nil {
			return err
		}
	}
	return nil
}

// CleanupTiming returns the active cleanup timing strategy.
func (m *Manager) CleanupTiming() cleanup.Timing {
	return m.cleaner.Timing()
}

// SetCleanupTiming switches the cleanup timing strategy at runtime.
func (m *Manager) SetCleanupTiming(t cleanup.Timing) error {
	return m.cleaner.SetTiming(t)
}
