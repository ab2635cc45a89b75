package engine

import (
	"errors"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/resilience"
)

// ErrNoConnectivity is reported when a cycle is requested while offline.
var ErrNoConnectivity = errors.New("no connectivity")

// Status of the sync engine as reported to listeners.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSyncing   Status = "syncing"
	StatusError     Status = "error"
	StatusCompleted Status = "completed"
)

// Result is the outcome of one Sync call.
type Result struct {
	Status         Status    `json:"status"`
	SyncedCount    int       `json:"synced_count"`
	ErrorCount     int       `json:"error_count"`
	AbandonedCount int       `json:"abandoned_count"`
	Errors         []string  `json:"errors"`
	CycleID        string    `json:"cycle_id,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

func (r *Result) fail(msg string) {
	r.ErrorCount++
	r.Errors = append(r.Errors, msg)
}

// Err returns a *resilience.CycleError when the cycle reported errors.
func (r Result) Err() error {
	if r.ErrorCount == 0 {
		return nil
	}
	return &resilience.CycleError{
		Total:     r.SyncedCount + r.ErrorCount,
		Synced:    r.SyncedCount,
		Failed:    r.ErrorCount,
		Abandoned: r.AbandonedCount,
		Errors:    r.Errors,
	}
}

// StatusChange is published on every engine status transition.
type StatusChange struct {
	Status Status    `json:"status"`
	Result *Result   `json:"result,omitempty"`
	At     time.Time `json:"at"`
}

// Connectivity reports whether the remote API is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// Config tunes the engine.
type Config struct {
	// MaxRetries is the number of attempts after which an entry is abandoned.
	MaxRetries int
	// HolderID identifies this process in the cross-process sync lease.
	HolderID string
	LeaseTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		HolderID:   "fieldsync-agent",
		LeaseTTL:   30 * time.Second,
	}
}
