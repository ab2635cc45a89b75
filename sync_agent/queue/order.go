package queue

import (
	"sort"

	"github.com/itskum47/FieldSync/sync_agent/store"
)

// Replay priorities. Higher runs first.
const (
	PriorityMission      = 10
	PriorityPhoto        = 5
	PriorityNotification = 1
)

// PriorityFor returns the replay priority of an entry type.
func PriorityFor(t store.EntryType) int {
	switch t {
	case store.EntryMissionStart, store.EntryMissionComplete:
		return PriorityMission
	case store.EntryPhotoUpload:
		return PriorityPhoto
	case store.EntryNotificationRead:
		return PriorityNotification
	}
	return 0
}

// EntryOrder implements sort.Interface over queue entries:
// priority descending, then CreatedAt ascending (FIFO within a tier), then ID.
type EntryOrder []*store.QueueEntry

func (o EntryOrder) Len() int { return len(o) }

func (o EntryOrder) Less(i, j int) bool {
	if o[i].Priority != o[j].Priority {
		return o[i].Priority > o[j].Priority
	}
	if !o[i].CreatedAt.Equal(o[j].CreatedAt) {
		return o[i].CreatedAt.Before(o[j].CreatedAt)
	}
	return o[i].ID < o[j].ID
}

func (o EntryOrder) Swap(i, j int) { o[i], o[j] = o[j], o[i] }

// Sort orders entries in place for replay.
func Sort(entries []*store.QueueEntry) {
	sort.Stable(EntryOrder(entries))
}
