package cleanup

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/repocache/internal/config"
	"github.com/mattjoyce/repocache/internal/fsguard"
	"github.com/mattjoyce/repocache/internal/index"
	"github.com/mattjoyce/repocache/internal/oplock"
	"github.com/mattjoyce/repocache/internal/preserve"
)

type fixture struct {
	base      string
	store     *index.Store
	scheduler *Scheduler
}

func newFixture(t *testing.T, cacheCfg config.CacheConfig, cleanupCfg config.CleanupConfig) *fixture {
	t.Helper()

	base := t.TempDir()
	store, err := index.Open(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := preserve.New(config.Defaults().Preservation, store, logger)
	s := New(base, store, policy, cacheCfg, cleanupCfg, logger)
	t.Cleanup(s.Stop)

	return &fixture{base: base, store: store, scheduler: s}
}

func defaultCache() config.CacheConfig {
	return config.CacheConfig{MaxWorkspaces: 100, MaxTotalBytes: 1 << 40}
}

func immediate() config.CleanupConfig {
	return config.CleanupConfig{Timing: "immediate", BackgroundInterval: time.Minute}
}

// addWorkspace creates a real directory under base and an index record for it.
func (f *fixture) addWorkspace(t *testing.T, key string, state index.State, accessed time.Time, size int64) *index.Record {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(f.base, key)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "f"), []byte("x"), 0o644))

	_, _, err := f.store.LookupOrReserve(ctx, key, "https://x/"+key+".git", "main", path, accessed)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateSize(ctx, key, size))

	switch state {
	case index.StateActive:
	case index.StatePreserved:
		require.NoError(t, f.store.Preserve(ctx, key, index.TriggerFailure, "err", nil, accessed))
	default:
		require.NoError(t, f.store.Release(ctx, key, state, accessed))
	}

	rec, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	return rec
}

func TestRemoveImmediate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCache(), immediate())
	rec := f.addWorkspace(t, "ws1", index.StateIdle, time.Now(), 1)

	require.NoError(t, f.scheduler.Remove(ctx, rec, false))

	_, err := os.Stat(rec.Path)
	assert.True(t, os.IsNotExist(err))

	got, err := f.store.Get(ctx, "ws1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRemoveRejectsUnmanagedPath(t *testing.T) {
	f := newFixture(t, defaultCache(), immediate())
	outside := t.TempDir()

	rec := &index.Record{Key: "x", Path: outside}
	err := f.scheduler.Remove(context.Background(), rec, false)
	assert.ErrorIs(t, err, fsguard.ErrUnsafePath)

	_, statErr := os.Stat(outside)
	assert.NoError(t, statErr)
}

func TestRemoveNeverTouchesBaseDirectory(t *testing.T) {
	f := newFixture(t, defaultCache(), immediate())

	rec := &index.Record{Key: "x", Path: f.base}
	err := f.scheduler.Remove(context.Background(), rec, true)
	assert.ErrorIs(t, err, fsguard.ErrBaseDirectory)
}

func TestRemoveDeferredDrainsOnStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCache(), config.CleanupConfig{Timing: "deferred"})
	rec := f.addWorkspace(t, "ws1", index.StateIdle, time.Now(), 1)

	require.NoError(t, f.scheduler.Remove(ctx, rec, false))
	f.scheduler.Stop()

	_, err := os.Stat(rec.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestSetTiming(t *testing.T) {
	f := newFixture(t, defaultCache(), immediate())

	require.NoError(t, f.scheduler.SetTiming(TimingDeferred))
	assert.Equal(t, TimingDeferred, f.scheduler.Timing())

	assert.Error(t, f.scheduler.SetTiming(Timing("sometimes")))
	assert.Equal(t, TimingDeferred, f.scheduler.Timing())
}

func TestSweepEvictsLRUOverflow(t *testing.T) {
	ctx := context.Background()
	cache := config.CacheConfig{MaxWorkspaces: 1, MaxTotalBytes: 1 << 40}
	f := newFixture(t, cache, immediate())
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	old := f.addWorkspace(t, "old", index.StateIdle, base, 10)
	fresh := f.addWorkspace(t, "fresh", index.StateIdle, base.Add(time.Hour), 10)

	report, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
	assert.Equal(t, int64(10), report.BytesFreed)

	_, statErr := os.Stat(old.Path)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(fresh.Path)
	assert.NoError(t, statErr)

	got, err := f.store.Get(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, index.StateIdle, got.State)
}

func TestSweepSparesPreservedAndActive(t *testing.T) {
	ctx := context.Background()
	cache := config.CacheConfig{MaxWorkspaces: 1, MaxTotalBytes: 1 << 40}
	f := newFixture(t, cache, immediate())
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	pinned := f.addWorkspace(t, "pinned", index.StatePreserved, base, 10)
	busy := f.addWorkspace(t, "busy", index.StateActive, base.Add(time.Hour), 10)

	// The active key's holder is alive and holds the file lock.
	lock, err := oplock.AcquireKeyLock(filepath.Join(f.base, "busy.lock"))
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	report, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.StaleFlagged)

	for _, rec := range []*index.Record{pinned, busy} {
		_, statErr := os.Stat(rec.Path)
		assert.NoError(t, statErr, rec.Key)
	}
	got, err := f.store.Get(ctx, "busy")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, index.StateActive, got.State)
}

func TestSweepFlagsStaleActiveRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCache(), immediate())

	// An active row whose file lock nobody holds: the reserving process died.
	rec := f.addWorkspace(t, "orphan", index.StateActive, time.Now(), 10)

	report, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleFlagged)

	got, err := f.store.Get(ctx, "orphan")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, index.StateLocked, got.State)

	// The directory stays; the next request for the key reclaims the row.
	_, statErr := os.Stat(rec.Path)
	assert.NoError(t, statErr)
}

func TestSweepSkipsLockedKey(t *testing.T) {
	ctx := context.Background()
	cache := config.CacheConfig{MaxWorkspaces: 1, MaxTotalBytes: 1 << 40}
	f := newFixture(t, cache, immediate())
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	old := f.addWorkspace(t, "old", index.StateIdle, base, 10)
	f.addWorkspace(t, "fresh", index.StateIdle, base.Add(time.Hour), 10)

	lock, err := oplock.AcquireKeyLock(filepath.Join(f.base, "old.lock"))
	require.NoError(t, err)

	report, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Evicted)
	_, statErr := os.Stat(old.Path)
	assert.NoError(t, statErr)

	require.NoError(t, lock.Release())

	report, err = f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
	_, statErr = os.Stat(old.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemoveSkipsReclaimedRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCache(), immediate())

	rec := f.addWorkspace(t, "ws1", index.StateIdle, time.Now(), 1)

	// A concurrent request reclaims the key between candidate selection and
	// deletion; the stale snapshot must not take the workspace down.
	_, _, err := f.store.LookupOrReserve(ctx, "ws1", "https://x/ws1.git", "main", rec.Path, time.Now())
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Remove(ctx, rec, false))

	_, statErr := os.Stat(rec.Path)
	assert.NoError(t, statErr)
	got, err := f.store.Get(ctx, "ws1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, index.StateActive, got.State)
}

func TestSweepRemovesCorruptedLeftovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCache(), immediate())

	rec := f.addWorkspace(t, "broken", index.StateCorrupted, time.Now(), 10)

	report, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CorruptedRemoved)

	_, statErr := os.Stat(rec.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSweepDemotesExpiredPreservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCache(), immediate())

	key := "expired"
	path := filepath.Join(f.base, key)
	require.NoError(t, os.MkdirAll(path, 0o755))
	past := time.Now().Add(-time.Hour)
	_, _, err := f.store.LookupOrReserve(ctx, key, "u", "b", path, past)
	require.NoError(t, err)
	expires := time.Now().Add(-time.Minute)
	require.NoError(t, f.store.Preserve(ctx, key, index.TriggerFailure, "err", &expires, past))

	report, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reaped)

	// Demoted to idle; under the caps it survives as a normal cache entry.
	rec, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, index.StateIdle, rec.State)
}

func TestSweepDropsIndexRowForForeignPath(t *testing.T) {
	ctx := context.Background()
	cache := config.CacheConfig{MaxWorkspaces: 1, MaxTotalBytes: 1 << 40}
	f := newFixture(t, cache, immediate())
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// A row whose path escaped the managed base. The sweep must drop the
	// record without touching the directory.
	outside := t.TempDir()
	_, _, err := f.store.LookupOrReserve(ctx, "foreign", "u", "b", outside, base)
	require.NoError(t, err)
	require.NoError(t, f.store.Release(ctx, "foreign", index.StateIdle, base))
	f.addWorkspace(t, "fresh", index.StateIdle, base.Add(time.Hour), 10)

	_, err = f.scheduler.Sweep(ctx)
	require.NoError(t, err)

	_, statErr := os.Stat(outside)
	assert.NoError(t, statErr)

	rec, err := f.store.Get(ctx, "foreign")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStopSafeWithoutStart(t *testing.T) {
	f := newFixture(t, defaultCache(), immediate())
	f.scheduler.Stop()
	// Cleanup from newFixture calls Stop again; both must be safe.
}
