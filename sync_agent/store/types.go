package store

import (
	"encoding/json"
	"time"
)

// MissionStatus is the lifecycle state of a mission (intervention report).
type MissionStatus string

const (
	MissionCreated           MissionStatus = "created"
	MissionAssigned          MissionStatus = "assigned"
	MissionInProgress        MissionStatus = "in_progress"
	MissionWaitingCompletion MissionStatus = "waiting_completion"
	MissionCompleted         MissionStatus = "completed"
	MissionCancelled         MissionStatus = "cancelled"
)

// Mission is the locally cached copy of a mission, plus sync metadata.
type Mission struct {
	ID                 string          `json:"id" db:"id"`
	WorkerID           string          `json:"worker_id" db:"worker_id"`
	Status             MissionStatus   `json:"status" db:"status"`
	ClientName         string          `json:"client_name" db:"client_name"`
	ClientEmail        string          `json:"client_email,omitempty" db:"client_email"`
	ClientPhone        string          `json:"client_phone,omitempty" db:"client_phone"`
	Address            string          `json:"address" db:"address"`
	ScheduledDate      *time.Time      `json:"scheduled_date,omitempty" db:"scheduled_date"`
	Latitude           *float64        `json:"latitude,omitempty" db:"latitude"`
	Longitude          *float64        `json:"longitude,omitempty" db:"longitude"`
	Features           map[string]bool `json:"features,omitempty" db:"features"` // JSONB in Postgres
	WorkerSignatureURL string          `json:"worker_signature_url,omitempty" db:"worker_signature_url"`
	ClientSignatureURL string          `json:"client_signature_url,omitempty" db:"client_signature_url"`
	Comments           string          `json:"comments,omitempty" db:"comments"`
	StartedAt          *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`

	// Local sync metadata, never sent by the server.
	OfflineUpdatedAt  time.Time `json:"offline_updated_at" db:"offline_updated_at"`
	HasPendingChanges bool      `json:"has_pending_changes" db:"has_pending_changes"`
}

// PhotoType distinguishes before/after intervention photos.
type PhotoType string

const (
	PhotoBefore PhotoType = "before"
	PhotoAfter  PhotoType = "after"
)

// Valid reports whether t is a known photo type.
func (t PhotoType) Valid() bool {
	return t == PhotoBefore || t == PhotoAfter
}

// Photo is a mission photo. Photos captured offline carry a Local id and their
// binary payload until the upload is confirmed.
type Photo struct {
	ID                EntityID  `json:"id" db:"id"`
	MissionID         string    `json:"report_id" db:"report_id"`
	Type              PhotoType `json:"type" db:"type"`
	Index             int       `json:"index" db:"index"`
	URL               string    `json:"url,omitempty" db:"url"`
	Filename          string    `json:"filename,omitempty" db:"filename"`
	ContentType       string    `json:"content_type,omitempty" db:"content_type"`
	Size              int64     `json:"size" db:"size"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	OfflineUpdatedAt  time.Time `json:"offline_updated_at" db:"offline_updated_at"`
	HasPendingChanges bool      `json:"has_pending_changes" db:"has_pending_changes"`
	SyncFailed        bool      `json:"sync_failed,omitempty" db:"sync_failed"`

	// Blob is persisted beside the record, never inside its JSON.
	Blob []byte `json:"-" db:"blob"`
	// Preview is derived from Blob on read and never persisted.
	Preview string `json:"preview,omitempty" db:"-"`
}

// Notification is a cached user notification.
type Notification struct {
	ID        string     `json:"id" db:"id"`
	UserID    string     `json:"user_id" db:"user_id"`
	Title     string     `json:"title" db:"title"`
	Message   string     `json:"message" db:"message"`
	Type      string     `json:"type,omitempty" db:"type"`
	Link      string     `json:"link,omitempty" db:"link"`
	Read      bool       `json:"read" db:"read"`
	ReadAt    *time.Time `json:"read_at,omitempty" db:"read_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`

	OfflineReadAt    *time.Time `json:"offline_read_at,omitempty" db:"offline_read_at"`
	HasPendingRead   bool       `json:"has_pending_read" db:"has_pending_read"`
	OfflineUpdatedAt time.Time  `json:"offline_updated_at" db:"offline_updated_at"`
}

// EntryType names the mutation a queue entry replays.
type EntryType string

const (
	EntryMissionStart     EntryType = "mission_start"
	EntryMissionComplete  EntryType = "mission_complete"
	EntryPhotoUpload      EntryType = "photo_upload"
	EntryNotificationRead EntryType = "notification_read"
)

// QueueEntry is a pending mutation awaiting replay against the remote API.
type QueueEntry struct {
	ID         int64           `json:"id" db:"id"`
	Type       EntryType       `json:"type" db:"type"`
	EntityID   string          `json:"entity_id" db:"entity_id"`
	Data       json.RawMessage `json:"data" db:"data"` // JSONB in Postgres
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	RetryCount int             `json:"retry_count" db:"retry_count"`
	LastError  string          `json:"last_error,omitempty" db:"last_error"`
	Priority   int             `json:"priority" db:"priority"`
	DedupKey   string          `json:"dedup_key,omitempty" db:"dedup_key"`
}

// DeadLetter is a queue entry abandoned after reaching the retry ceiling.
type DeadLetter struct {
	QueueEntry
	AbandonedAt time.Time `json:"abandoned_at" db:"abandoned_at"`
}

// SettingsID is the key of the settings singleton.
const SettingsID = "main"

// Settings holds the agent-wide sync bookkeeping.
type Settings struct {
	ID             string     `json:"id" db:"id"`
	SyncInProgress bool       `json:"sync_in_progress" db:"sync_in_progress"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty" db:"last_sync_at"`
	SyncErrorCount int        `json:"sync_error_count" db:"sync_error_count"`
}

// PhotoUploadData is the replay payload of a photo_upload entry.
type PhotoUploadData struct {
	MissionID string     `json:"mission_id"`
	PhotoType PhotoType  `json:"photo_type"`
	PhotoIDs  []EntityID `json:"photo_ids"`
}

// CompleteMissionData is the replay payload of a mission_complete entry.
type CompleteMissionData struct {
	WorkerSignature string `json:"worker_signature_data"`
	ClientSignature string `json:"client_signature_data"`
	Comments        string `json:"comments,omitempty"`
}
