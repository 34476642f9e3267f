// Package oplock implements on-disk operation markers and per-key advisory
// locks. Both live on shared durable storage because coordinating processes
// do not share memory.
package oplock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// MarkerName is the operation marker file created inside a workspace while a
// mutating operation runs. Its presence at the start of a later request means
// the previous operation never completed cleanly.
const MarkerName = ".repocache-op.json"

// Marker records who started a mutating operation and when.
type Marker struct {
	Operation string    `json:"operation"`
	StartedAt time.Time `json:"started_at"`
	OwnerID   string    `json:"owner_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
}

// ErrMarkerExists is returned by WriteMarker when a marker is already present.
var ErrMarkerExists = errors.New("operation marker already present")

func markerPath(dir string) string {
	return filepath.Join(dir, MarkerName)
}

// WriteMarker creates the operation marker for dir. It fails if a marker is
// already present; callers are expected to run recovery first.
func WriteMarker(dir, operation string) (*Marker, error) {
	if operation == "" {
		return nil, fmt.Errorf("operation name is empty")
	}

	hostname, _ := os.Hostname()
	m := &Marker{
		Operation: operation,
		StartedAt: time.Now().UTC(),
		OwnerID:   uuid.NewString(),
		PID:       os.Getpid(),
		Hostname:  hostname,
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal operation marker: %w", err)
	}

	f, err := os.OpenFile(markerPath(dir), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMarkerExists, markerPath(dir))
		}
		return nil, fmt.Errorf("create operation marker: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write operation marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close operation marker: %w", err)
	}
	return m, nil
}

// RemoveMarker deletes the operation marker for dir. Removing an absent
// marker is not an error.
func RemoveMarker(dir string) error {
	err := os.Remove(markerPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove operation marker: %w", err)
	}
	return nil
}

// HasMarker reports whether an operation marker is present for dir.
func HasMarker(dir string) bool {
	_, err := os.Stat(markerPath(dir))
	return err == nil
}

// ReadMarker returns the parsed marker for dir, or nil if none is present.
func ReadMarker(dir string) (*Marker, error) {
	data, err := os.ReadFile(markerPath(dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read operation marker: %w", err)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		// A torn write is itself evidence of an interrupted operation.
		return &Marker{Operation: "unknown"}, nil
	}
	return &m, nil
}
