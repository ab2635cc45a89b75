package store

import (
	"fmt"
)

// Collection names, shared by the Redis key layout and the Postgres tables.
type Collection string

const (
	CollectionMissions      Collection = "reports"
	CollectionPhotos        Collection = "photos"
	CollectionNotifications Collection = "notifications"
	CollectionQueue         Collection = "sync_queue"
	CollectionDeadLetters   Collection = "sync_dead_letters"
	CollectionSettings      Collection = "settings"
)

// SyncLeaseKey is the lease serializing sync cycles across processes.
const SyncLeaseKey = "fieldsync:lock:sync"

const keyPrefix = "fieldsync"

// CollectionKey constructs a fully qualified Redis key for a collection.
// Format: fieldsync:{collection}
func CollectionKey(c Collection) string {
	return fmt.Sprintf("%s:%s", keyPrefix, c)
}

// CollectionSubKey constructs a Redis key for a part of a collection.
// Format: fieldsync:{collection}:{part}
func CollectionSubKey(c Collection, part string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, c, part)
}

// MissionPhotosKey is the set of photo keys belonging to a mission.
// Format: fieldsync:photos:by_report:{missionID}
func MissionPhotosKey(missionID string) string {
	return fmt.Sprintf("%s:%s:by_report:%s", keyPrefix, CollectionPhotos, missionID)
}
