// Package preserve decides which failed workspaces are kept out of eviction
// for diagnosis, for how long, and enforces caps on the preserved subset.
package preserve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mattjoyce/repocache/internal/config"
	"github.com/mattjoyce/repocache/internal/index"
)

// Policy applies the configured preservation rules against the cache index.
type Policy struct {
	cfg    config.PreservationConfig
	store  *index.Store
	logger *slog.Logger
}

// New creates a Policy. logger must not be nil.
func New(cfg config.PreservationConfig, store *index.Store, logger *slog.Logger) *Policy {
	return &Policy{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "preserve"),
	}
}

// ShouldPreserve reports whether a workspace whose operation ended with the
// given trigger must be excluded from eviction. Manual preservation is always
// honored.
func (p *Policy) ShouldPreserve(trigger index.Trigger) bool {
	switch trigger {
	case index.TriggerFailure:
		return p.cfg.PreserveOnFailure
	case index.TriggerTimeout:
		return p.cfg.PreserveOnTimeout
	case index.TriggerTestFailure:
		return p.cfg.PreserveOnTestFailure
	case index.TriggerManual:
		return true
	default:
		return false
	}
}

// Retention computes the retention expiry for a trigger, clamped between the
// configured minimum and maximum. Manual preservation has no expiry (nil:
// indefinite).
func (p *Policy) Retention(trigger index.Trigger, now time.Time) *time.Time {
	var days int
	switch trigger {
	case index.TriggerFailure:
		days = p.cfg.FailureRetentionDays
	case index.TriggerTimeout:
		days = p.cfg.TimeoutRetentionDays
	case index.TriggerTestFailure:
		days = p.cfg.TestFailureRetentionDays
	case index.TriggerManual:
		return nil
	}

	window := time.Duration(days) * 24 * time.Hour
	if window < p.cfg.MinRetention {
		window = p.cfg.MinRetention
	}
	if p.cfg.MaxRetention > 0 && window > p.cfg.MaxRetention {
		window = p.cfg.MaxRetention
	}

	expires := now.Add(window)
	return &expires
}

// ReapExpired demotes preserved records whose retention window has passed
// back to idle, returning how many were demoted. Demoted records re-enter the
// normal eviction path.
func (p *Policy) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	preserved, err := p.store.PreservedRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("list preserved workspaces: %w", err)
	}

	demoted := 0
	for _, rec := range preserved {
		if !rec.RetentionExpired(now) {
			continue
		}
		if err := p.store.Demote(ctx, rec.Key); err != nil {
			return demoted, err
		}
		p.logger.Info("Preservation retention expired", "key", rec.Key, "trigger", string(rec.PreserveTrigger))
		demoted++
	}
	return demoted, nil
}

// EnforceCaps applies the configured eviction strategy within the preserved
// subset until it fits both the count and total-size caps. It returns the
// records forced out; the caller (the cleanup scheduler) owns their physical
// removal.
func (p *Policy) EnforceCaps(ctx context.Context) ([]*index.Record, error) {
	preserved, err := p.store.PreservedRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("list preserved workspaces: %w", err)
	}

	count := len(preserved)
	var bytes int64
	for _, rec := range preserved {
		bytes += rec.SizeBytes
	}

	maxCount := p.cfg.MaxPreservedWorkspaces
	maxBytes := p.cfg.MaxPreservedTotalBytes
	if count <= maxCount && bytes <= maxBytes {
		return nil, nil
	}

	ordered := make([]*index.Record, len(preserved))
	copy(ordered, preserved)
	switch p.cfg.EvictionStrategy {
	case "largest-first":
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].SizeBytes != ordered[j].SizeBytes {
				return ordered[i].SizeBytes > ordered[j].SizeBytes
			}
			return ordered[i].Key < ordered[j].Key
		})
	default: // oldest-first; PreservedRecords already orders by access time
	}

	var removed []*index.Record
	for _, rec := range ordered {
		if count <= maxCount && bytes <= maxBytes {
			break
		}
		removed = append(removed, rec)
		count--
		bytes -= rec.SizeBytes
		p.logger.Warn("Preserved cap exceeded, dropping workspace",
			"key", rec.Key, "strategy", p.cfg.EvictionStrategy, "size_bytes", rec.SizeBytes)
	}
	return removed, nil
}
