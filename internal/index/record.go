package index

import "time"

// State is the lifecycle state of a cached workspace.
type State string

const (
	// StateActive means an in-flight operation holds the workspace.
	StateActive State = "active"
	// StateIdle means the workspace is available for reuse or eviction.
	StateIdle State = "idle"
	// StateLocked means an operation marker is present; the owner may have
	// crashed.
	StateLocked State = "locked"
	// StatePreserved means the workspace is excluded from normal eviction.
	StatePreserved State = "preserved"
	// StateCorrupted means the workspace failed integrity validation and is
	// pending removal.
	StateCorrupted State = "corrupted"
)

// Trigger names why a workspace was preserved.
type Trigger string

const (
	TriggerFailure     Trigger = "failure"
	TriggerTimeout     Trigger = "timeout"
	TriggerTestFailure Trigger = "test-failure"
	TriggerManual      Trigger = "manual"
)

// Record is one managed checkout as persisted in the cache index.
type Record struct {
	Key            string
	RepoURL        string
	Branch         string
	Path           string
	SizeBytes      int64
	State          State
	LastAccessedAt time.Time
	CreatedAt      time.Time

	// Preservation fields; zero/nil unless State is StatePreserved.
	PreserveTrigger    Trigger
	RetentionExpiresAt *time.Time
	PreserveNote       string
}

// Preserved reports whether the record is currently excluded from eviction.
func (r *Record) Preserved() bool { return r.State == StatePreserved }

// RetentionExpired reports whether a preserved record's retention window has
// passed. Indefinite retention (nil expiry) never expires.
func (r *Record) RetentionExpired(now time.Time) bool {
	if r.State != StatePreserved || r.RetentionExpiresAt == nil {
		return false
	}
	return !r.RetentionExpiresAt.After(now)
}
