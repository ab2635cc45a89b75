package store

import (
	"context"
	"errors"
	"time"
)

// SchemaVersion is bumped whenever the persisted layout changes. A store opened
// against data written with another version is destroyed and recreated.
const SchemaVersion = 3

// ErrNotFound is returned by mutations that target a missing record.
var ErrNotFound = errors.New("store: record not found")

// Store defines the local durable store.
// Getters return nil, nil when the record does not exist.
type Store interface {
	// Missions
	// PutMission upserts the full record and stamps OfflineUpdatedAt.
	PutMission(ctx context.Context, m *Mission) error
	GetMission(ctx context.Context, id string) (*Mission, error)
	// ListMissions returns every mission, newest CreatedAt first.
	ListMissions(ctx context.Context) ([]*Mission, error)

	// Photos
	PutPhoto(ctx context.Context, p *Photo) error
	GetPhoto(ctx context.Context, id EntityID) (*Photo, error)
	// ListPhotos returns the photos of a mission with Preview attached.
	ListPhotos(ctx context.Context, missionID string) ([]*Photo, error)
	// PromotePhoto atomically replaces the record stored under from with confirmed.
	PromotePhoto(ctx context.Context, from EntityID, confirmed *Photo) error

	// Notifications
	PutNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, id string) (*Notification, error)
	// ListNotifications returns every notification, newest CreatedAt first.
	ListNotifications(ctx context.Context) ([]*Notification, error)

	// Sync queue
	// Enqueue assigns ID (and CreatedAt when zero). When DedupKey is set and a
	// pending entry holds the same key, that entry is returned with created=false.
	Enqueue(ctx context.Context, e *QueueEntry) (stored *QueueEntry, created bool, err error)
	// ListQueue returns every pending entry in no particular order.
	ListQueue(ctx context.Context) ([]*QueueEntry, error)
	GetQueueEntry(ctx context.Context, id int64) (*QueueEntry, error)
	// RecordQueueFailure increments RetryCount and stores msg as LastError.
	RecordQueueFailure(ctx context.Context, id int64, msg string) (*QueueEntry, error)
	RemoveQueueEntry(ctx context.Context, id int64) error
	// AbandonQueueEntry moves an entry to the dead letters in one step.
	AbandonQueueEntry(ctx context.Context, id int64, at time.Time) (*DeadLetter, error)
	ListDeadLetters(ctx context.Context) ([]*DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, id int64) error
	PurgeDeadLetters(ctx context.Context, before time.Time) (int, error)

	// Settings
	// GetSettings never returns nil; a missing singleton reads as its zero value.
	GetSettings(ctx context.Context) (*Settings, error)
	PutSettings(ctx context.Context, s *Settings) error

	// ClearAll wipes every collection atomically. Leases survive.
	ClearAll(ctx context.Context) error

	Close() error
}

// Backend is a Store that can also coordinate sync cycles across processes.
type Backend interface {
	Store
	Coordinator
}
