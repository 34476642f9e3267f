package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/repocache/internal/cleanup"
	"github.com/mattjoyce/repocache/internal/config"
	"github.com/mattjoyce/repocache/internal/gitx"
	"github.com/mattjoyce/repocache/internal/index"
	"github.com/mattjoyce/repocache/internal/log"
	"github.com/mattjoyce/repocache/internal/manager"
	"github.com/mattjoyce/repocache/internal/oplock"
	"github.com/mattjoyce/repocache/internal/preserve"
	"github.com/mattjoyce/repocache/internal/recovery"
)

const version = "0.1.0"

// staleOperationAge is how long an operation marker may sit before cache
// status flags it as a likely crash leftover.
const staleOperationAge = 30 * time.Minute

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		os.Exit(runSystemNoun(args))
	case "cache":
		os.Exit(runCacheNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))

	case "version":
		fmt.Printf("repocache version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`repocache - Shared git workspace cache for automation agents

Usage:
  repocache <noun> <action> [flags]

System Commands:
  system start      Run the background cleanup daemon in foreground

Cache Commands:
  cache status      Show cached workspaces and their states
  cache sweep       Run one eviction + retention pass now
  cache evict       Remove one workspace (--path) or all (--all)

Config Commands:
  config check      Validate configuration

General:
  version           Show version information
  help              Show this help message
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: repocache system start [flags]")
		return 1
	}
	switch args[0] {
	case "start":
		return runStart(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runCacheNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: repocache cache <status|sweep|evict> [flags]")
		return 1
	}
	switch args[0] {
	case "status":
		return runStatus(args[1:])
	case "sweep":
		return runSweep(args[1:])
	case "evict":
		return runEvict(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown cache action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: repocache config check [flags]")
		return 1
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

// loadConfig resolves --config / --env into a validated configuration.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	configPath := fs.String("config", "", "Path to config file")
	envPreset := fs.String("env", "", "Environment preset (development, ci, production, test)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		return config.Load(*configPath)
	}
	if *envPreset != "" {
		return config.Preset(*envPreset)
	}
	cfg := config.Defaults()
	if result := cfg.Validate(); !result.Valid {
		return nil, fmt.Errorf("default configuration invalid: %s", result.Errors[0].Message)
	}
	return cfg, nil
}

// buildStack wires the full component graph from a config. The caller owns
// Close on the store and Stop on the scheduler.
func buildStack(ctx context.Context, cfg *config.Config) (*index.Store, *cleanup.Scheduler, *manager.Manager, error) {
	logger := log.Get()

	store, err := index.Open(ctx, cfg.Service.IndexPath)
	if err != nil {
		return nil, nil, nil, err
	}

	checker := recovery.NewChecker(logger)
	policy := preserve.New(cfg.Preservation, store, logger)
	cleaner := cleanup.New(cfg.Service.BaseDir, store, policy, cfg.Cache, cfg.Cleanup, logger)
	provider := gitx.NewGoGitProvider(logger)
	mgr := manager.New(cfg, store, provider, nil, checker, policy, cleaner, logger)

	return store, cleaner, mgr, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, cleaner, _, err := buildStack(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	cleaner.Start(ctx)
	log.Info("Cleanup daemon started",
		"base_dir", cfg.Service.BaseDir,
		"interval", cfg.Cleanup.BackgroundInterval.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down")
	cleaner.Stop()
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "Emit JSON instead of a table")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	ctx := context.Background()
	store, _, _, err := buildStack(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	records, err := store.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *asJSON {
		out := make([]map[string]any, 0, len(records))
		for _, rec := range records {
			entry := map[string]any{
				"key":              rec.Key,
				"repo_url":         rec.RepoURL,
				"branch":           rec.Branch,
				"path":             rec.Path,
				"state":            string(rec.State),
				"size_bytes":       rec.SizeBytes,
				"last_accessed_at": rec.LastAccessedAt.Format(time.RFC3339),
			}
			if rec.RetentionExpiresAt != nil {
				entry["retention_expires_at"] = rec.RetentionExpiresAt.Format(time.RFC3339)
			}
			if marker, err := oplock.ReadMarker(rec.Path); err == nil && marker != nil {
				entry["operation"] = marker.Operation
				entry["operation_age_seconds"] = int64(time.Since(marker.StartedAt).Seconds())
			}
			out = append(out, entry)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tREPO\tBRANCH\tSTATE\tSIZE\tLAST ACCESS\tNOTE")
	for _, rec := range records {
		note := ""
		if marker, err := oplock.ReadMarker(rec.Path); err == nil && marker != nil {
			age := time.Since(marker.StartedAt).Round(time.Second)
			note = fmt.Sprintf("%s in progress for %s", marker.Operation, age)
			if age > staleOperationAge {
				note += " (stale?)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.Key[:12], rec.RepoURL, rec.Branch, rec.State, rec.SizeBytes,
			rec.LastAccessedAt.Local().Format("2006-01-02 15:04:05"), note)
	}
	_ = w.Flush()
	return 0
}

func runSweep(args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	ctx := context.Background()
	store, cleaner, _, err := buildStack(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	report, err := cleaner.Sweep(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("evicted=%d reaped=%d cap_dropped=%d corrupted_removed=%d stale_flagged=%d bytes_freed=%d\n",
		report.Evicted, report.Reaped, report.CapDropped, report.CorruptedRemoved, report.StaleFlagged, report.BytesFreed)
	return 0
}

func runEvict(args []string) int {
	fs := flag.NewFlagSet("evict", flag.ContinueOnError)
	path := fs.String("path", "", "Workspace path to remove")
	all := fs.Bool("all", false, "Remove all non-busy workspaces")
	includePreserved := fs.Bool("include-preserved", false, "Also remove preserved workspaces")
	force := fs.Bool("force", false, "Bypass the managed-path check")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	if *path == "" && !*all {
		fmt.Fprintln(os.Stderr, "Error: either --path or --all is required")
		return 1
	}

	ctx := context.Background()
	store, _, mgr, err := buildStack(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	opts := manager.CleanupOptions{Force: *force, IncludePreserved: *includePreserved}
	if *all {
		err = mgr.CleanupAllWorkspaces(ctx, opts)
	} else {
		err = mgr.CleanupWorkspace(ctx, *path, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "Emit JSON instead of text")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	result := cfg.Validate()
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		for _, issue := range result.Errors {
			fmt.Printf("ERROR [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
		}
		for _, issue := range result.Warnings {
			fmt.Printf("WARN  [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
		}
		if result.Valid {
			fmt.Println("Configuration OK")
		}
	}
	if !result.Valid {
		return 1
	}
	return 0
}
