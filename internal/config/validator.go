package config

import "fmt"

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

func (r *Result) addError(category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (r *Result) addWarning(category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

var validTimings = map[string]bool{
	"immediate":  true,
	"deferred":   true,
	"background": true,
}

var validStrategies = map[string]bool{
	"oldest-first":  true,
	"largest-first": true,
}

// Validate runs all checks and returns a result.
func (c *Config) Validate() *Result {
	r := &Result{Valid: true}

	c.validateCache(r)
	c.validateCleanup(r)
	c.validatePreservation(r)
	c.validateErrorHandling(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (c *Config) validateCache(r *Result) {
	if c.Cache.MaxWorkspaces <= 0 {
		r.addError("cache", "cache.max_workspaces", "max_workspaces must be positive")
	}
	if c.Cache.MaxTotalBytes <= 0 {
		r.addError("cache", "cache.max_total_bytes", "max_total_bytes must be positive")
	}
	if c.Cache.SizeThresholdBytes < 0 {
		r.addError("cache", "cache.size_threshold_bytes", "size_threshold_bytes must not be negative")
	}
	if c.Cache.SizeThresholdBytes > c.Cache.MaxTotalBytes {
		r.addWarning("cache", "cache.size_threshold_bytes",
			"size_threshold_bytes exceeds max_total_bytes; every kept workspace will trigger eviction pressure")
	}
}

func (c *Config) validateCleanup(r *Result) {
	if !validTimings[c.Cleanup.Timing] {
		r.addError("cleanup", "cleanup.timing",
			fmt.Sprintf("unknown cleanup timing %q (expected immediate, deferred, or background)", c.Cleanup.Timing))
	}
	if c.Cleanup.Timing == "background" && c.Cleanup.BackgroundInterval <= 0 {
		r.addError("cleanup", "cleanup.background_interval", "background_interval must be positive for background timing")
	}
}

func (c *Config) validatePreservation(r *Result) {
	p := c.Preservation
	if !validStrategies[p.EvictionStrategy] {
		r.addError("preservation", "preservation.eviction_strategy",
			fmt.Sprintf("unknown eviction strategy %q (expected oldest-first or largest-first)", p.EvictionStrategy))
	}
	if p.MaxPreservedWorkspaces < 0 {
		r.addError("preservation", "preservation.max_preserved_workspaces", "max_preserved_workspaces must not be negative")
	}
	if p.MinRetention > p.MaxRetention && p.MaxRetention > 0 {
		r.addError("preservation", "preservation.min_retention", "min_retention exceeds max_retention")
	}
	for field, days := range map[string]int{
		"preservation.failure_retention_days":      p.FailureRetentionDays,
		"preservation.timeout_retention_days":      p.TimeoutRetentionDays,
		"preservation.test_failure_retention_days": p.TestFailureRetentionDays,
	} {
		if days < 0 {
			r.addError("preservation", field, "retention days must not be negative")
		}
	}
	if p.PreserveOnFailure && p.MaxPreservedWorkspaces == 0 {
		r.addWarning("preservation", "preservation.max_preserved_workspaces",
			"preserve_on_failure is enabled but max_preserved_workspaces is 0; nothing will be kept")
	}
}

func (c *Config) validateErrorHandling(r *Result) {
	e := c.ErrorHandling
	if e.MaxRetries < 0 {
		r.addError("error_handling", "error_handling.max_retries", "max_retries must not be negative")
	}
	if e.MaxRetries > 0 && e.InitialRetryDelay <= 0 {
		r.addError("error_handling", "error_handling.initial_retry_delay", "initial_retry_delay must be positive when retries are enabled")
	}
	if e.InitialRetryDelay > e.MaxRetryDelay && e.MaxRetryDelay > 0 {
		r.addError("error_handling", "error_handling.initial_retry_delay", "initial_retry_delay exceeds max_retry_delay")
	}
}
