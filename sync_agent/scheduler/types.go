package scheduler

import (
	"context"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/engine"
)

// Trigger names what asked for a sync cycle.
type Trigger string

const (
	TriggerStartup  Trigger = "startup"
	TriggerOnline   Trigger = "online"
	TriggerPeriodic Trigger = "periodic"
	TriggerManual   Trigger = "manual"
	TriggerRetry    Trigger = "retry"
)

// Mode defines whether automatic triggers run.
type Mode string

const (
	ModeActive Mode = "ACTIVE"
	// ModePaused drops every automatic trigger; manual requests still run.
	ModePaused Mode = "PAUSED"
)

// Syncer runs one sync cycle.
type Syncer interface {
	Sync(ctx context.Context) engine.Result
}

// Connectivity is the part of the connectivity monitor the scheduler needs.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) func()
}

// Config holds the trigger timings.
type Config struct {
	// Interval between periodic cycles while online. Also caps the retry backoff.
	Interval time.Duration
	// SettleDelay is the wait after an offline→online transition.
	SettleDelay  time.Duration
	StartupDelay time.Duration
	// RetryBase is the first retry delay after a failed cycle; it doubles per failure.
	RetryBase time.Duration

	// TriggerRate and TriggerBurst bound how often one trigger kind may fire.
	TriggerRate  float64
	TriggerBurst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Minute,
		SettleDelay:  2 * time.Second,
		StartupDelay: time.Second,
		RetryBase:    30 * time.Second,
		TriggerRate:  0.1,
		TriggerBurst: 2,
	}
}

// Decision is a structured log entry for scheduler actions.
type Decision struct {
	Component string `json:"component"`
	Decision  string `json:"decision"` // DISPATCH, COALESCED, SKIPPED_OFFLINE, SKIPPED_PAUSED, RETRY_SCHEDULED
	Trigger   string `json:"trigger"`
	DelayMS   int64  `json:"delay_ms,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Snapshot exposes scheduler state for the diagnostics endpoint.
type Snapshot struct {
	Mode            Mode           `json:"mode"`
	LastTrigger     Trigger        `json:"last_trigger,omitempty"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	LastResult      *engine.Result `json:"last_result,omitempty"`
	RetryBackoff    time.Duration  `json:"retry_backoff_ns"`
	RetryPending    bool           `json:"retry_pending"`
	Interval        time.Duration  `json:"interval_ns"`
	PendingRequests int            `json:"pending_requests"`
}
