package resilience

import (
	"github.com/itskum47/FieldSync/sync_agent/store"
)

// ServerWins returns the authoritative server mission to cache after a
// confirmed replay or a download pass. Only the local pending flag survives:
// it stays set while other mutations for the mission are still queued.
func ServerWins(server *store.Mission, stillPending bool) *store.Mission {
	m := *server
	m.HasPendingChanges = stillPending
	return &m
}

// ServerWinsNotification is ServerWins for notifications.
func ServerWinsNotification(server *store.Notification, stillPending bool) *store.Notification {
	n := *server
	n.HasPendingRead = stillPending
	if !stillPending {
		n.OfflineReadAt = nil
	}
	return &n
}

// ResolveFetched decides which copy of a mission to keep when a record is
// fetched outside a sync cycle: the server copy replaces the local one only
// if its UpdatedAt is strictly newer. replaced reports which side won.
// The local pending flag is carried over; the caller recomputes it from the queue.
func ResolveFetched(local, server *store.Mission) (winner *store.Mission, replaced bool) {
	if server == nil {
		return local, false
	}
	if local == nil {
		m := *server
		return &m, true
	}
	if server.UpdatedAt.After(local.UpdatedAt) {
		m := *server
		m.HasPendingChanges = local.HasPendingChanges
		return &m, true
	}
	return local, false
}
