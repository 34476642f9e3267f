package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file. Values not present in
// the file keep their defaults. ${VAR} references are expanded from the
// environment before parsing.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	applyDerivedDefaults(cfg)

	if result := cfg.Validate(); !result.Valid {
		return nil, fmt.Errorf("invalid configuration in %s: %s", absPath, result.Errors[0].Message)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} with the environment value. Unset variables
// expand to the empty string, matching shell behavior.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// applyDerivedDefaults fills values whose defaults depend on other settings.
func applyDerivedDefaults(cfg *Config) {
	if cfg.Service.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		cfg.Service.BaseDir = filepath.Join(home, ".repocache", "workspaces")
	}
	if cfg.Service.IndexPath == "" {
		cfg.Service.IndexPath = filepath.Join(cfg.Service.BaseDir, "index.db")
	}
}
