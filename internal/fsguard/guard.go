// Package fsguard runs pre-flight filesystem checks and validates that paths
// targeted by destructive operations stay inside the managed base directory.
package fsguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sentinel errors for the pre-flight taxonomy. Callers match with errors.Is.
var (
	ErrInsufficientSpace = errors.New("insufficient disk space")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrUnsafePath        = errors.New("unsafe path")
	ErrBaseDirectory     = errors.New("cannot operate on the managed base directory")
)

// DefaultRequiredBytes is the pre-flight free-space floor (500 MiB).
const DefaultRequiredBytes = uint64(500) << 20

// SpaceError reports a failed free-space check.
type SpaceError struct {
	Path      string
	Available uint64
	Required  uint64
}

func (e *SpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %q: %d bytes available, %d required", e.Path, e.Available, e.Required)
}

func (e *SpaceError) Unwrap() error { return ErrInsufficientSpace }

// EnsureSufficientSpace verifies the filesystem containing path has at least
// requiredBytes available. If path does not exist yet, the nearest existing
// ancestor is checked instead.
func EnsureSufficientSpace(path string, requiredBytes uint64) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if requiredBytes == 0 {
		requiredBytes = DefaultRequiredBytes
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", path, err)
	}

	available, err := availableBytes(inspectPath)
	if err != nil {
		return fmt.Errorf("query free space for %q: %w", inspectPath, err)
	}

	if available < requiredBytes {
		return &SpaceError{Path: path, Available: available, Required: requiredBytes}
	}
	return nil
}

// EnsureWritableDirectory creates path if needed and verifies write access by
// probing a temporary file.
func EnsureWritableDirectory(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: create directory %q: %v", ErrPermissionDenied, path, err)
		}
		return fmt.Errorf("create directory %q: %w", path, err)
	}

	probe, err := os.CreateTemp(path, ".writecheck-*")
	if err != nil {
		return fmt.Errorf("%w: directory %q is not writable: %v", ErrPermissionDenied, path, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// ValidateManagedPath verifies path is a strict descendant of baseDir.
// The base directory itself is always rejected, force or not; paths outside
// the base are rejected unless force is set (trusted callers only).
func ValidateManagedPath(path, baseDir string, force bool) error {
	if path == "" || baseDir == "" {
		return fmt.Errorf("path and baseDir must not be empty")
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", path, err)
	}
	absBase, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return fmt.Errorf("resolve base directory %q: %w", baseDir, err)
	}

	if absPath == absBase {
		return fmt.Errorf("%w: %q", ErrBaseDirectory, baseDir)
	}

	rel, err := filepath.Rel(absBase, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		if force {
			return nil
		}
		return fmt.Errorf("%w: %q is outside managed base %q", ErrUnsafePath, path, baseDir)
	}
	return nil
}

// nearestExistingPath walks up from path until it finds a component that
// exists on disk.
func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}
