package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/remote"
	"github.com/itskum47/FieldSync/sync_agent/resilience"
	"github.com/itskum47/FieldSync/sync_agent/store"
)

// dispatch replays one entry against the remote API and applies the
// confirmed server state locally. A nil error means the entry is done.
func (e *Engine) dispatch(ctx context.Context, entry *store.QueueEntry) error {
	switch entry.Type {
	case store.EntryMissionStart:
		m, err := e.api.StartMission(ctx, entry.EntityID, entry.Data)
		if err != nil {
			return err
		}
		e.applyMission(ctx, m, entry.ID)
		return nil

	case store.EntryMissionComplete:
		var req store.CompleteMissionData
		if err := json.Unmarshal(entry.Data, &req); err != nil {
			return fmt.Errorf("decode completion payload: %w", err)
		}
		m, err := e.api.CompleteMission(ctx, entry.EntityID, req)
		if err != nil {
			return err
		}
		e.applyMission(ctx, m, entry.ID)
		return nil

	case store.EntryPhotoUpload:
		return e.uploadPhotos(ctx, entry)

	case store.EntryNotificationRead:
		if err := e.api.MarkNotificationRead(ctx, entry.EntityID); err != nil {
			return err
		}
		e.applyRead(ctx, entry.EntityID, entry.ID)
		return nil
	}
	return fmt.Errorf("unknown sync entry type %q", entry.Type)
}

func (e *Engine) applyMission(ctx context.Context, m *store.Mission, entryID int64) {
	if m == nil {
		return
	}
	pending := e.stillPending(ctx, missionKey(m.ID), entryID)
	if err := e.store.PutMission(ctx, resilience.ServerWins(m, pending)); err != nil {
		// The download pass rewrites the mission anyway
		log.Printf("[ENGINE] store confirmed mission %s: %v", m.ID, err)
	}
}

func (e *Engine) applyRead(ctx context.Context, id string, entryID int64) {
	n, err := e.store.GetNotification(ctx, id)
	if err != nil || n == nil {
		return
	}
	n.Read = true
	if n.ReadAt == nil {
		n.ReadAt = n.OfflineReadAt
	}
	pending := e.stillPending(ctx, notificationKey(id), entryID)
	if err := e.store.PutNotification(ctx, resilience.ServerWinsNotification(n, pending)); err != nil {
		log.Printf("[ENGINE] store confirmed read %s: %v", id, err)
	}
}

// uploadPhotos sends the still-local photos of an entry in one multipart
// request and promotes each to its server record, paired by position.
// Photos already promoted or removed are skipped; an entry with none left is
// a no-op success.
func (e *Engine) uploadPhotos(ctx context.Context, entry *store.QueueEntry) error {
	var data store.PhotoUploadData
	if err := json.Unmarshal(entry.Data, &data); err != nil {
		return fmt.Errorf("decode photo payload: %w", err)
	}
	missionID := data.MissionID
	if missionID == "" {
		missionID = entry.EntityID
	}

	local := make([]*store.Photo, 0, len(data.PhotoIDs))
	files := make([]remote.File, 0, len(data.PhotoIDs))
	for _, id := range data.PhotoIDs {
		if !id.IsLocal() {
			continue
		}
		p, err := e.store.GetPhoto(ctx, id)
		if err != nil {
			return fmt.Errorf("read photo %s: %w", id, err)
		}
		if p == nil || len(p.Blob) == 0 {
			continue
		}
		local = append(local, p)
		files = append(files, remote.File{Name: p.Filename, ContentType: p.ContentType, Data: p.Blob})
	}
	if len(files) == 0 {
		log.Printf("[ENGINE] Entry %d has no local photos left, nothing to upload", entry.ID)
		return nil
	}

	confirmed, err := e.api.UploadPhotos(ctx, missionID, data.PhotoType, files)
	if err != nil {
		return err
	}
	if len(confirmed) < len(local) {
		log.Printf("[ENGINE] Upload for mission %s returned %d photos for %d files", missionID, len(confirmed), len(local))
	}

	for i, p := range local {
		if i >= len(confirmed) {
			break
		}
		if confirmed[i] == nil {
			continue
		}
		c := *confirmed[i]
		if c.MissionID == "" {
			c.MissionID = missionID
		}
		if c.Type == "" {
			c.Type = data.PhotoType
		}
		c.Index = p.Index
		c.Blob = p.Blob
		if c.ContentType == "" {
			c.ContentType = p.ContentType
		}
		c.HasPendingChanges = false
		c.SyncFailed = false
		if err := e.store.PromotePhoto(ctx, p.ID, &c); err != nil {
			// Retrying would upload the photo twice
			log.Printf("[ENGINE] promote photo %s to %s: %v", p.ID, c.ID, err)
		}
	}
	return nil
}

// onAbandoned updates the local records tied to an abandoned entry so the
// UI stops reporting them as pending.
func (e *Engine) onAbandoned(ctx context.Context, entry *store.QueueEntry) {
	e.setEntryFlags(ctx, entry, false)
}

// Requeue moves a dead letter back to the queue and restores the pending
// state of its local records.
func (e *Engine) Requeue(ctx context.Context, deadLetterID int64) (*store.QueueEntry, error) {
	entry, err := e.queue.Requeue(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	e.setEntryFlags(ctx, entry, true)
	return entry, nil
}

func (e *Engine) setEntryFlags(ctx context.Context, entry *store.QueueEntry, pending bool) {
	now := time.Now().UTC()
	switch entry.Type {
	case store.EntryPhotoUpload:
		var data store.PhotoUploadData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return
		}
		for _, id := range data.PhotoIDs {
			p, err := e.store.GetPhoto(ctx, id)
			if err != nil || p == nil || !p.ID.IsLocal() {
				continue
			}
			p.HasPendingChanges = pending
			p.SyncFailed = !pending
			if err := e.store.PutPhoto(ctx, p); err != nil {
				log.Printf("[ENGINE] flag photo %s: %v", id, err)
			}
		}

	case store.EntryMissionStart, store.EntryMissionComplete:
		m, err := e.store.GetMission(ctx, entry.EntityID)
		if err != nil || m == nil {
			return
		}
		m.HasPendingChanges = pending || e.stillPending(ctx, missionKey(m.ID), entry.ID)
		if err := e.store.PutMission(ctx, m); err != nil {
			log.Printf("[ENGINE] flag mission %s: %v", m.ID, err)
		}

	case store.EntryNotificationRead:
		n, err := e.store.GetNotification(ctx, entry.EntityID)
		if err != nil || n == nil {
			return
		}
		n.HasPendingRead = pending || e.stillPending(ctx, notificationKey(n.ID), entry.ID)
		if pending && n.OfflineReadAt == nil {
			n.OfflineReadAt = &now
		}
		if err := e.store.PutNotification(ctx, n); err != nil {
			log.Printf("[ENGINE] flag notification %s: %v", n.ID, err)
		}
	}
}
