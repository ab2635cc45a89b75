package diagnostics

import (
	"context"
	"fmt"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/queue"
	"github.com/itskum47/FieldSync/sync_agent/store"
	"github.com/itskum47/FieldSync/sync_agent/timeline"
)

// Report is a point-in-time picture of the agent for support tickets.
type Report struct {
	DeviceID     string                 `json:"device_id"`
	Online       bool                   `json:"online"`
	Settings     *store.Settings        `json:"settings"`
	Queue        []*store.QueueEntry    `json:"queue"`
	DeadLetters  []*store.DeadLetter    `json:"dead_letters"`
	LeaseHolder  string                 `json:"lease_holder,omitempty"`
	Cache        map[string]interface{} `json:"cache,omitempty"`
	Scheduler    interface{}            `json:"scheduler,omitempty"`
	RecentEvents []timeline.SyncEvent   `json:"recent_events"`
	CapturedAt   time.Time              `json:"captured_at"`
	Errors       []string               `json:"errors,omitempty"`
}

// EntryReport gathers everything known about one queue entry.
type EntryReport struct {
	EntryID    int64                `json:"entry_id"`
	Entry      *store.QueueEntry    `json:"entry,omitempty"`
	DeadLetter *store.DeadLetter    `json:"dead_letter,omitempty"`
	Mission    *store.Mission       `json:"mission,omitempty"`
	Events     []timeline.SyncEvent `json:"events"`
	CapturedAt time.Time            `json:"captured_at"`
	Analysis   string               `json:"analysis,omitempty"`
}

// Sources are the live components a capture reads from. Optional ones may be nil.
type Sources struct {
	DeviceID    string
	Store       store.Store
	Coordinator store.Coordinator
	Timeline    *timeline.Store
	IsOnline    func() bool
	CacheHealth func() map[string]interface{}
	Scheduler   func() interface{}

	// RecentEvents bounds the timeline tail included in a report.
	RecentEvents int
}

// Capture builds a Report. Store failures are recorded in Errors rather than
// aborting the capture.
func Capture(ctx context.Context, src Sources) *Report {
	r := &Report{DeviceID: src.DeviceID, CapturedAt: time.Now().UTC()}
	if src.IsOnline != nil {
		r.Online = src.IsOnline()
	}

	settings, err := src.Store.GetSettings(ctx)
	if err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("settings: %v", err))
	}
	r.Settings = settings

	entries, err := src.Store.ListQueue(ctx)
	if err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("queue: %v", err))
	}
	queue.Sort(entries)
	r.Queue = entries

	letters, err := src.Store.ListDeadLetters(ctx)
	if err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("dead letters: %v", err))
	}
	r.DeadLetters = letters

	if src.Coordinator != nil {
		holder, err := src.Coordinator.LeaseHolder(ctx, store.SyncLeaseKey)
		if err != nil {
			r.Errors = append(r.Errors, fmt.Sprintf("lease: %v", err))
		}
		r.LeaseHolder = holder
	}
	if src.CacheHealth != nil {
		r.Cache = src.CacheHealth()
	}
	if src.Scheduler != nil {
		r.Scheduler = src.Scheduler()
	}

	if src.Timeline != nil {
		events := src.Timeline.GetAllEvents()
		n := src.RecentEvents
		if n <= 0 {
			n = 100
		}
		if len(events) > n {
			events = events[len(events)-n:]
		}
		r.RecentEvents = events
	}
	return r
}

// CaptureEntry gathers the pending or abandoned entry with the given id, the
// mission it targets and its timeline. Returns nil if the id is unknown.
func CaptureEntry(ctx context.Context, src Sources, entryID int64) (*EntryReport, error) {
	report := &EntryReport{EntryID: entryID, CapturedAt: time.Now().UTC()}

	entry, err := src.Store.GetQueueEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	report.Entry = entry

	if entry == nil {
		letters, err := src.Store.ListDeadLetters(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range letters {
			if d.ID == entryID {
				report.DeadLetter = d
				e := d.QueueEntry
				entry = &e
				break
			}
		}
	}
	if entry == nil {
		return nil, nil
	}

	switch entry.Type {
	case store.EntryMissionStart, store.EntryMissionComplete, store.EntryPhotoUpload:
		m, err := src.Store.GetMission(ctx, entry.EntityID)
		if err != nil {
			return nil, err
		}
		report.Mission = m
	}

	if src.Timeline != nil {
		report.Events = src.Timeline.GetEvents(entryID)
	}
	report.Analysis = analyze(entry, report.DeadLetter != nil)
	return report, nil
}

func analyze(e *store.QueueEntry, abandoned bool) string {
	switch {
	case abandoned:
		return fmt.Sprintf("abandoned after %d attempts: %s", e.RetryCount, e.LastError)
	case e.RetryCount > 0:
		return fmt.Sprintf("retrying, %d failed attempts so far: %s", e.RetryCount, e.LastError)
	default:
		return "waiting for the next sync cycle"
	}
}
