package config

import (
	"fmt"
	"time"
)

// Preset returns a coherent configuration bundle for a named environment.
// Recognized names: development, ci, production, test.
func Preset(name string) (*Config, error) {
	cfg := Defaults()

	switch name {
	case "development":
		// Interactive use: never block the caller on deletion, keep failure
		// evidence around for a work week.
		cfg.Cleanup.Timing = "deferred"
		cfg.Preservation.PreserveOnFailure = true
		cfg.Preservation.PreserveOnTestFailure = true
		cfg.Preservation.FailureRetentionDays = 5
		cfg.Service.LogLevel = "DEBUG"

	case "ci":
		// CI workers are long-lived and disk-constrained: sweep in the
		// background, keep the preserved subset small, retry harder.
		cfg.Cleanup.Timing = "background"
		cfg.Cleanup.BackgroundInterval = 2 * time.Minute
		cfg.Cache.MaxWorkspaces = 20
		cfg.Preservation.PreserveOnFailure = true
		cfg.Preservation.PreserveOnTimeout = true
		cfg.Preservation.FailureRetentionDays = 1
		cfg.Preservation.MaxPreservedWorkspaces = 3
		cfg.ErrorHandling.MaxRetries = 5

	case "production":
		// Defaults are the production profile.

	case "test":
		// Deterministic and fast: no retries, no preservation, synchronous
		// deletion, no pre-flight checks against the host filesystem.
		cfg.Cleanup.Timing = "immediate"
		cfg.Preservation.PreserveOnFailure = false
		cfg.Preservation.MinRetention = 0
		cfg.ErrorHandling.MaxRetries = 0
		cfg.ErrorHandling.InitialRetryDelay = time.Millisecond
		cfg.ErrorHandling.EnablePreFlightChecks = false

	default:
		return nil, fmt.Errorf("unknown environment preset %q (expected development, ci, production, or test)", name)
	}

	return cfg, nil
}
