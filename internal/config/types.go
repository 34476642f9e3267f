package config

import "time"

// Config represents the complete repocache configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Cache         CacheConfig         `yaml:"cache"`
	Cleanup       CleanupConfig       `yaml:"cleanup"`
	Preservation  PreservationConfig  `yaml:"preservation"`
	ErrorHandling ErrorHandlingConfig `yaml:"error_handling"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	BaseDir   string `yaml:"base_dir"`
	IndexPath string `yaml:"index_path"`
	LogLevel  string `yaml:"log_level"`
}

// CacheConfig defines workspace cache limits.
type CacheConfig struct {
	// SizeThresholdBytes decides whether a freshly cloned workspace is worth
	// keeping: checkouts smaller than this are cheap to re-clone and are
	// treated as throwaway.
	SizeThresholdBytes int64 `yaml:"size_threshold_bytes"`
	MaxWorkspaces      int   `yaml:"max_workspaces"`
	MaxTotalBytes      int64 `yaml:"max_total_bytes"`
}

// CleanupConfig defines when physical deletion of evicted workspaces runs.
type CleanupConfig struct {
	// Timing is one of "immediate", "deferred", "background".
	Timing             string        `yaml:"timing"`
	BackgroundInterval time.Duration `yaml:"background_interval"`
}

// PreservationConfig defines post-failure workspace retention.
type PreservationConfig struct {
	PreserveOnFailure     bool `yaml:"preserve_on_failure"`
	PreserveOnTimeout     bool `yaml:"preserve_on_timeout"`
	PreserveOnTestFailure bool `yaml:"preserve_on_test_failure"`

	FailureRetentionDays     int `yaml:"failure_retention_days"`
	TimeoutRetentionDays     int `yaml:"timeout_retention_days"`
	TestFailureRetentionDays int `yaml:"test_failure_retention_days"`

	MinRetention time.Duration `yaml:"min_retention"`
	MaxRetention time.Duration `yaml:"max_retention"`

	MaxPreservedWorkspaces int   `yaml:"max_preserved_workspaces"`
	MaxPreservedTotalBytes int64 `yaml:"max_preserved_total_bytes"`

	// EvictionStrategy is "oldest-first" or "largest-first", applied within
	// the preserved subset only.
	EvictionStrategy string `yaml:"eviction_strategy"`
}

// ErrorHandlingConfig defines retry and pre-flight behavior.
type ErrorHandlingConfig struct {
	MaxRetries             int           `yaml:"max_retries"`
	InitialRetryDelay      time.Duration `yaml:"initial_retry_delay"`
	MaxRetryDelay          time.Duration `yaml:"max_retry_delay"`
	EnablePreFlightChecks  bool          `yaml:"enable_pre_flight_checks"`
	RequiredDiskSpaceBytes uint64        `yaml:"required_disk_space_bytes"`
}

const (
	// DefaultSizeThresholdBytes is 100 MiB.
	DefaultSizeThresholdBytes = int64(100) << 20
	// DefaultMaxTotalBytes is 10 GiB.
	DefaultMaxTotalBytes = int64(10) << 30
	// DefaultRequiredDiskSpaceBytes is 500 MiB.
	DefaultRequiredDiskSpaceBytes = uint64(500) << 20
)

// Defaults returns a Config with conservative production-leaning defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "repocache",
			LogLevel: "INFO",
		},
		Cache: CacheConfig{
			SizeThresholdBytes: DefaultSizeThresholdBytes,
			MaxWorkspaces:      10,
			MaxTotalBytes:      DefaultMaxTotalBytes,
		},
		Cleanup: CleanupConfig{
			Timing:             "immediate",
			BackgroundInterval: 5 * time.Minute,
		},
		Preservation: PreservationConfig{
			PreserveOnFailure:        true,
			PreserveOnTimeout:        false,
			PreserveOnTestFailure:    false,
			FailureRetentionDays:     3,
			TimeoutRetentionDays:     1,
			TestFailureRetentionDays: 3,
			MinRetention:             1 * time.Hour,
			MaxRetention:             30 * 24 * time.Hour,
			MaxPreservedWorkspaces:   5,
			MaxPreservedTotalBytes:   5 << 30,
			EvictionStrategy:         "oldest-first",
		},
		ErrorHandling: ErrorHandlingConfig{
			MaxRetries:             3,
			InitialRetryDelay:      500 * time.Millisecond,
			MaxRetryDelay:          10 * time.Second,
			EnablePreFlightChecks:  true,
			RequiredDiskSpaceBytes: DefaultRequiredDiskSpaceBytes,
		},
	}
}
