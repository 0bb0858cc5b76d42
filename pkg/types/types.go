// Package types defines the domain model shared across contimg packages.
package types

import "time"

// UnitID identifies one unit of imaging work.
type UnitID string

// UnitStatus is the lifecycle state of a unit.
type UnitStatus string

const (
	StatusPending   UnitStatus = "pending"   // enqueued, not yet dispatched
	StatusInFlight  UnitStatus = "in_flight" // a worker is imaging it
	StatusCompleted UnitStatus = "completed" // every robustness image finished
	StatusSkipped   UnitStatus = "skipped"   // every output already existed
	StatusFailed    UnitStatus = "failed"    // the toolkit returned an error
)

// Mode selects which manifest drives a run.
type Mode string

const (
	ModeContinuum  Mode = "continuum"  // continuum_mses.txt, one unit per dataset
	ModeFullWindow Mode = "fullwindow" // to_image.json, one unit per band/field
)

// Unit is one dataset (continuum) or one band/field group (full window).
type Unit struct {
	ID    UnitID   `json:"id"`
	Mode  Mode     `json:"mode"`
	Band  string   `json:"band,omitempty"`
	Field string   `json:"field"`
	Vis   []string `json:"vis"`

	Status    UnitStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	Images    int        `json:"images"`  // robustness images produced this run
	Skipped   int        `json:"skipped"` // robustness images already present
	StartedAt int64      `json:"started_at,omitempty"`
	EndedAt   int64      `json:"ended_at,omitempty"`
}

// Duration returns how long the unit ran, or zero if it never finished.
func (u *Unit) Duration() time.Duration {
	if u.StartedAt == 0 || u.EndedAt == 0 {
		return 0
	}
	return time.Duration(u.EndedAt-u.StartedAt) * time.Millisecond
}

// ReportData is the persisted summary of one run.
type ReportData struct {
	RunID      string           `json:"run_id"`
	Mode       Mode             `json:"mode"`
	StartedAt  int64            `json:"started_at"`
	FinishedAt int64            `json:"finished_at"`
	Error      string           `json:"error,omitempty"`
	Units      map[UnitID]*Unit `json:"units"`
	Order      []UnitID         `json:"order"`
	SchemaVer  int              `json:"schema_ver"`
}
