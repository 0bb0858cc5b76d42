package ledger

// ============================================================================
// Ledger type definitions
// ============================================================================

// EventType is the kind of a ledger record.
type EventType string

const (
	EventStarted   EventType = "STARTED"   // tclean is about to run for a job
	EventCompleted EventType = "COMPLETED" // image and both FITS exports exist
	EventSkipped   EventType = "SKIPPED"   // outputs were already present
	EventFailed    EventType = "FAILED"    // the toolkit returned an error
)

// Event is one ledger record. JobID is the image name stem, e.g.
// "imaging_results/FieldA_foo_12M_robust0".
type Event struct {
	Seq       uint64    `json:"seq"`
	RunID     string    `json:"run_id"`
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	Timestamp int64     `json:"timestamp"` // Unix milliseconds
	Checksum  uint32    `json:"checksum"`
}

// EventHandler is applied to each event during Replay.
type EventHandler func(event Event) error
