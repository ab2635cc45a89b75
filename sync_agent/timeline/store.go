package timeline

import (
	"sync"
	"time"
)

// Stages recorded for sync cycles and queue entries.
const (
	StageCycleStarted  = "CYCLE_STARTED"
	StageDispatched    = "DISPATCHED"
	StageConfirmed     = "CONFIRMED"
	StageFailed        = "FAILED"
	StageAbandoned     = "ABANDONED"
	StageDownloaded    = "DOWNLOADED"
	StageCycleFinished = "CYCLE_FINISHED"
)

type SyncEvent struct {
	CycleID   string            `json:"cycle_id"`
	EntryID   int64             `json:"entry_id,omitempty"`
	EntryType string            `json:"entry_type,omitempty"`
	EntityID  string            `json:"entity_id,omitempty"`
	Stage     string            `json:"stage"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store keeps the most recent sync events in memory.
type Store struct {
	events    []SyncEvent
	maxEvents int
	mu        sync.RWMutex
}

func NewStore(maxEvents int) *Store {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Store{
		events:    make([]SyncEvent, 0),
		maxEvents: maxEvents,
	}
}

func (s *Store) Record(e SyncEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events = append(s.events, e)
	if over := len(s.events) - s.maxEvents; over > 0 {
		s.events = append(s.events[:0], s.events[over:]...)
	}
}

// GetEvents returns the history of one queue entry across cycles.
func (s *Store) GetEvents(entryID int64) []SyncEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []SyncEvent
	for _, e := range s.events {
		if e.EntryID == entryID {
			results = append(results, e)
		}
	}
	return results
}

func (s *Store) GetCycle(cycleID string) []SyncEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []SyncEvent
	for _, e := range s.events {
		if e.CycleID == cycleID {
			results = append(results, e)
		}
	}
	return results
}

// GetAllEvents returns a copy of the retained events, oldest first.
func (s *Store) GetAllEvents() []SyncEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make([]SyncEvent, len(s.events))
	copy(c, s.events)
	return c
}
