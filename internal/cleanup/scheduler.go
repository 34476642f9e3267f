// Package cleanup owns physical deletion of workspaces. Nothing else in the
// repository removes a managed directory except crash recovery.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattjoyce/repocache/internal/config"
	"github.com/mattjoyce/repocache/internal/fsguard"
	"github.com/mattjoyce/repocache/internal/index"
	"github.com/mattjoyce/repocache/internal/oplock"
	"github.com/mattjoyce/repocache/internal/preserve"
)

// Timing selects when physical deletion happens relative to the caller
// regaining control.
type Timing string

const (
	// TimingImmediate deletes synchronously before the call returns.
	TimingImmediate Timing = "immediate"
	// TimingDeferred returns immediately and deletes in the background of
	// the same process. Best-effort: a killed process leaves the work for
	// the next sweep.
	TimingDeferred Timing = "deferred"
	// TimingBackground relies on a periodic sweep loop; only meaningful for
	// long-lived processes.
	TimingBackground Timing = "background"
)

// SweepReport summarizes one cleanup pass.
type SweepReport struct {
	Evicted          int
	Reaped           int
	CapDropped       int
	CorruptedRemoved int
	StaleFlagged     int
	BytesFreed       int64
}

// Scheduler applies the configured timing strategy to workspace removal and
// runs eviction/retention sweeps.
type Scheduler struct {
	baseDir string
	store   *index.Store
	policy  *preserve.Policy
	cache   config.CacheConfig
	logger  *slog.Logger

	mu       sync.Mutex
	timing   Timing
	interval time.Duration
	stopped  bool

	tasks    chan func()
	workerWG sync.WaitGroup

	stopCh   chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
}

// New creates a Scheduler. logger must not be nil.
func New(baseDir string, store *index.Store, policy *preserve.Policy, cacheCfg config.CacheConfig, cleanupCfg config.CleanupConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		baseDir:  baseDir,
		store:    store,
		policy:   policy,
		cache:    cacheCfg,
		logger:   logger.With("component", "cleanup"),
		timing:   Timing(cleanupCfg.Timing),
		interval: cleanupCfg.BackgroundInterval,
		stopCh:   make(chan struct{}),
	}
}

// Timing returns the active timing strategy.
func (s *Scheduler) Timing() Timing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timing
}

// SetTiming switches the timing strategy for subsequent scheduling decisions.
func (s *Scheduler) SetTiming(t Timing) error {
	switch t {
	case TimingImmediate, TimingDeferred, TimingBackground:
	default:
		return fmt.Errorf("unknown cleanup timing %q", t)
	}
	s.mu.Lock()
	s.timing = t
	s.mu.Unlock()
	return nil
}

// Remove deletes a workspace directory and its index record, honoring the
// timing strategy. force bypasses the managed-path check for trusted callers;
// the base directory itself is always rejected. A key whose file lock is held
// by another process is skipped without error.
func (s *Scheduler) Remove(ctx context.Context, rec *index.Record, force bool) error {
	if err := fsguard.ValidateManagedPath(rec.Path, s.baseDir, force); err != nil {
		return err
	}

	switch s.Timing() {
	case TimingImmediate:
		_, err := s.lockAndRemove(ctx, rec)
		return err
	default:
		s.enqueue(func() {
			if _, err := s.lockAndRemove(context.Background(), rec); err != nil {
				s.logger.Error("Deferred workspace removal failed", "key", rec.Key, "error", err.Error())
			}
		})
		return nil
	}
}

// RemoveHeld deletes a workspace whose per-key lock the caller already holds.
// Always synchronous; the caller releases the lock after this returns.
func (s *Scheduler) RemoveHeld(ctx context.Context, rec *index.Record, force bool) error {
	if err := fsguard.ValidateManagedPath(rec.Path, s.baseDir, force); err != nil {
		return err
	}
	_, err := s.removeNow(ctx, rec)
	return err
}

func (s *Scheduler) lockPath(key string) string {
	return filepath.Join(s.baseDir, key+".lock")
}

// lockAndRemove takes the per-key file lock before touching the workspace, so
// removal never races a process holding the key. Busy keys are skipped; the
// next sweep sees them again.
func (s *Scheduler) lockAndRemove(ctx context.Context, rec *index.Record) (bool, error) {
	lock, err := oplock.AcquireKeyLock(s.lockPath(rec.Key))
	if errors.Is(err, oplock.ErrBusy) {
		s.logger.Debug("Skipping removal of busy workspace", "key", rec.Key)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer lock.Release()
	return s.removeNow(ctx, rec)
}

// removeNow is the only place a managed directory is physically deleted. The
// index row is claimed with a state-conditional delete first: a record that a
// concurrent request reclaimed since candidate selection no longer matches and
// is left alone.
func (s *Scheduler) removeNow(ctx context.Context, rec *index.Record) (bool, error) {
	claimed, err := s.store.DeleteIfState(ctx, rec.Key, rec.State)
	if err != nil {
		return false, err
	}
	if !claimed {
		cur, err := s.store.Get(ctx, rec.Key)
		if err != nil {
			return false, err
		}
		if cur != nil {
			s.logger.Debug("Skipping removal of reclaimed workspace", "key", rec.Key, "state", string(cur.State))
			return false, nil
		}
		// No row at all: an unmanaged or leftover directory, delete it anyway.
	}
	if err := os.RemoveAll(rec.Path); err != nil {
		return false, fmt.Errorf("remove workspace directory %q: %w", rec.Path, err)
	}
	s.logger.Info("Workspace removed", "key", rec.Key, "path", rec.Path, "size_bytes", rec.SizeBytes)
	return true, nil
}

// ScheduleSweep runs (or queues) a full cleanup pass per the timing strategy.
// Under background timing this is a no-op; the sweep loop owns the cadence.
func (s *Scheduler) ScheduleSweep(ctx context.Context) error {
	switch s.Timing() {
	case TimingImmediate:
		_, err := s.Sweep(ctx)
		return err
	case TimingDeferred:
		s.enqueue(func() {
			if _, err := s.Sweep(context.Background()); err != nil {
				s.logger.Error("Deferred sweep failed", "error", err.Error())
			}
		})
		return nil
	default:
		return nil
	}
}

// Sweep performs one eviction + retention pass: demote expired preservations,
// enforce preserved caps, evict LRU overflow, drop corrupted leftovers, and
// flag active rows whose holding process vanished.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{}
	now := time.Now()

	reaped, err := s.policy.ReapExpired(ctx, now)
	if err != nil {
		return report, err
	}
	report.Reaped = reaped

	capDropped, err := s.policy.EnforceCaps(ctx)
	if err != nil {
		return report, err
	}
	for _, rec := range capDropped {
		removed, err := s.removeGuarded(ctx, rec)
		if err != nil {
			return report, err
		}
		if removed {
			report.CapDropped++
			report.BytesFreed += rec.SizeBytes
		}
	}

	candidates, err := s.store.EvictionCandidates(ctx, s.cache.MaxWorkspaces, s.cache.MaxTotalBytes)
	if err != nil {
		return report, err
	}
	for _, rec := range candidates {
		removed, err := s.removeGuarded(ctx, rec)
		if err != nil {
			return report, err
		}
		if removed {
			report.Evicted++
			report.BytesFreed += rec.SizeBytes
		}
	}

	records, err := s.store.List(ctx)
	if err != nil {
		return report, err
	}
	for _, rec := range records {
		switch rec.State {
		case index.StateCorrupted:
			removed, err := s.removeGuarded(ctx, rec)
			if err != nil {
				return report, err
			}
			if removed {
				report.CorruptedRemoved++
			}
		case index.StateActive:
			flagged, err := s.flagIfStale(ctx, rec.Key)
			if err != nil {
				return report, err
			}
			if flagged {
				report.StaleFlagged++
			}
		}
	}

	if report.Evicted+report.Reaped+report.CapDropped+report.CorruptedRemoved+report.StaleFlagged > 0 {
		s.logger.Info("Cleanup sweep finished",
			"evicted", report.Evicted, "reaped", report.Reaped,
			"cap_dropped", report.CapDropped, "corrupted_removed", report.CorruptedRemoved,
			"stale_flagged", report.StaleFlagged, "bytes_freed", report.BytesFreed)
	}
	return report, nil
}

// flagIfStale marks an active row as locked when nobody holds its file lock.
// An active record with a free lock belongs to a process that died without
// releasing; the next request for the key reclaims the locked row.
func (s *Scheduler) flagIfStale(ctx context.Context, key string) (bool, error) {
	lock, err := oplock.AcquireKeyLock(s.lockPath(key))
	if errors.Is(err, oplock.ErrBusy) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer lock.Release()

	// Re-check under the held lock; the row may have been released since List.
	cur, err := s.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if cur == nil || cur.State != index.StateActive {
		return false, nil
	}
	if err := s.store.SetState(ctx, key, index.StateLocked); err != nil {
		return false, err
	}
	s.logger.Warn("Flagged stale active workspace left by a dead process", "key", key)
	return true, nil
}

func (s *Scheduler) removeGuarded(ctx context.Context, rec *index.Record) (bool, error) {
	if err := fsguard.ValidateManagedPath(rec.Path, s.baseDir, false); err != nil {
		// An index row pointing outside the base directory is never deleted
		// from disk; drop only the record and flag it loudly.
		s.logger.Error("Refusing to delete path outside managed base", "key", rec.Key, "path", rec.Path)
		return false, s.store.Delete(ctx, rec.Key)
	}
	return s.lockAndRemove(ctx, rec)
}

// enqueue hands a task to the deferred worker, starting it on first use.
// After Stop, tasks run synchronously so nothing is silently dropped.
func (s *Scheduler) enqueue(task func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		task()
		return
	}
	if s.tasks == nil {
		s.tasks = make(chan func(), 64)
		s.workerWG.Add(1)
		go func(tasks chan func()) {
			defer s.workerWG.Done()
			for t := range tasks {
				t()
			}
		}(s.tasks)
	}
	// Send while holding the lock so Stop cannot close the channel mid-send.
	select {
	case s.tasks <- task:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		// Queue full: run synchronously rather than drop the deletion.
		task()
	}
}

// Start launches the background sweep loop. It returns immediately; call
// Stop (or cancel ctx) to end the loop. Only meaningful for background
// timing, but harmless otherwise.
func (s *Scheduler) Start(ctx context.Context) {
	s.loopWG.Add(1)
	go s.sweepLoop(ctx)
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.loopWG.Done()

	interval := s.interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Background sweep failed", "error", err.Error())
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Cleanup context cancelled, stopping sweep loop")
			return
		}
	}
}

// Stop ends the background loop and drains any deferred deletions. Safe to
// call multiple times and even if Start never ran.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.loopWG.Wait()

		s.mu.Lock()
		s.stopped = true
		tasks := s.tasks
		s.tasks = nil
		s.mu.Unlock()
		if tasks != nil {
			close(tasks)
			s.workerWG.Wait()
		}
	})
}
