package hooks

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/itskum47/FieldSync/sync_agent/engine"
	"github.com/itskum47/FieldSync/sync_agent/queue"
	"github.com/itskum47/FieldSync/sync_agent/remote"
	"github.com/itskum47/FieldSync/sync_agent/resilience"
	"github.com/itskum47/FieldSync/sync_agent/store"
	"golang.org/x/sync/singleflight"
)

// Connectivity reports whether the remote API is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// Syncer runs one sync cycle.
type Syncer interface {
	Sync(ctx context.Context) engine.Result
}

type Options struct {
	// DedupEnqueue collapses identical offline mutations while one is pending.
	DedupEnqueue bool
	// FetchTimeout bounds background refreshes.
	FetchTimeout time.Duration
}

// Hooks is the offline-aware data access layer used by the UI.
// Reads always answer from the local store; writes go to the remote API when
// online and become provisional records plus queued mutations when offline.
type Hooks struct {
	cache  *resilience.Cache
	queue  *queue.Queue
	api    remote.API
	conn   Connectivity
	syncer Syncer
	opts   Options

	group singleflight.Group
	now   func() time.Time
}

func New(cache *resilience.Cache, q *queue.Queue, api remote.API, conn Connectivity, syncer Syncer, opts Options) *Hooks {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	return &Hooks{
		cache:  cache,
		queue:  q,
		api:    api,
		conn:   conn,
		syncer: syncer,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// refresh runs fetch in the background, sharing one in-flight call per key.
// The fetch outlives the caller's request.
func (h *Hooks) refresh(key string, fetch func(ctx context.Context) error) *Refresh {
	if !h.conn.IsOnline() {
		return offlineRefresh()
	}
	r := newRefresh()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.FetchTimeout)
		defer cancel()
		_, err, _ := h.group.Do(key, func() (interface{}, error) {
			return nil, fetch(ctx)
		})
		if err != nil {
			log.Printf("[HOOKS] refresh %s failed: %v", key, err)
		}
		r.finish(err)
	}()
	return r
}

func (h *Hooks) missionPending(ctx context.Context, id string) bool {
	n, err := h.queue.PendingOfType(ctx, id, store.EntryMissionStart, store.EntryMissionComplete)
	return err == nil && n > 0
}

func (h *Hooks) readPending(ctx context.Context, id string) bool {
	n, err := h.queue.PendingOfType(ctx, id, store.EntryNotificationRead)
	return err == nil && n > 0
}

// Missions returns the cached missions and refreshes them when online.
func (h *Hooks) Missions(ctx context.Context) ([]*store.Mission, *Refresh) {
	return h.cache.Missions(ctx), h.refresh("missions", h.fetchMissions)
}

func (h *Hooks) fetchMissions(ctx context.Context) error {
	missions, err := h.api.ListMissions(ctx)
	if err != nil {
		return err
	}
	for _, m := range missions {
		if m != nil {
			h.storeFetched(ctx, m)
		}
	}
	return nil
}

func (h *Hooks) storeFetched(ctx context.Context, server *store.Mission) {
	winner, replaced := resilience.ResolveFetched(h.cache.Mission(ctx, server.ID), server)
	if !replaced {
		return
	}
	winner.HasPendingChanges = h.missionPending(ctx, server.ID)
	h.cache.PutMission(ctx, winner)
}

// Mission returns one cached mission (nil if unknown) and refreshes it when online.
func (h *Hooks) Mission(ctx context.Context, id string) (*store.Mission, *Refresh) {
	return h.cache.Mission(ctx, id), h.refresh("mission:"+id, func(ctx context.Context) error {
		m, err := h.api.GetMission(ctx, id)
		if err != nil {
			return err
		}
		if m != nil {
			h.storeFetched(ctx, m)
		}
		return nil
	})
}

// Notifications returns the cached notifications and refreshes them when online.
// A read still waiting in the queue stays read locally.
func (h *Hooks) Notifications(ctx context.Context) ([]*store.Notification, *Refresh) {
	return h.cache.Notifications(ctx), h.refresh("notifications", func(ctx context.Context) error {
		ns, err := h.api.ListNotifications(ctx)
		if err != nil {
			return err
		}
		for _, n := range ns {
			if n == nil {
				continue
			}
			pending := h.readPending(ctx, n.ID)
			merged := resilience.ServerWinsNotification(n, pending)
			if pending {
				if local := h.cache.Notification(ctx, n.ID); local != nil {
					merged.Read = true
					merged.OfflineReadAt = local.OfflineReadAt
				}
			}
			h.cache.PutNotification(ctx, merged)
		}
		return nil
	})
}

// Photos returns the cached photos of a mission with previews attached.
func (h *Hooks) Photos(ctx context.Context, missionID string) []*store.Photo {
	return h.cache.Photos(ctx, missionID)
}

// StartMission starts a mission remotely, or provisionally when offline.
func (h *Hooks) StartMission(ctx context.Context, id string, body json.RawMessage) (*store.Mission, error) {
	if h.conn.IsOnline() {
		m, err := h.api.StartMission(ctx, id, body)
		if err != nil {
			return nil, err
		}
		m = resilience.ServerWins(m, h.missionPending(ctx, id))
		h.cache.PutMission(ctx, m)
		return m, nil
	}

	if _, err := h.enqueue(ctx, "mission_start:"+id, store.EntryMissionStart, id, body, queue.PriorityMission); err != nil {
		return nil, err
	}
	now := h.now()
	m := h.provisionalMission(ctx, id, now)
	m.Status = store.MissionInProgress
	m.StartedAt = &now
	h.cache.PutMission(ctx, m)
	return m, nil
}

// CompleteMission completes a mission remotely, or provisionally when offline.
func (h *Hooks) CompleteMission(ctx context.Context, id string, req remote.CompleteRequest) (*store.Mission, error) {
	if h.conn.IsOnline() {
		m, err := h.api.CompleteMission(ctx, id, req)
		if err != nil {
			return nil, err
		}
		m = resilience.ServerWins(m, h.missionPending(ctx, id))
		h.cache.PutMission(ctx, m)
		return m, nil
	}

	if _, err := h.enqueue(ctx, "mission_complete:"+id, store.EntryMissionComplete, id, req, queue.PriorityMission); err != nil {
		return nil, err
	}
	now := h.now()
	m := h.provisionalMission(ctx, id, now)
	m.Status = store.MissionCompleted
	m.CompletedAt = &now
	if req.Comments != "" {
		m.Comments = req.Comments
	}
	h.cache.PutMission(ctx, m)
	return m, nil
}

func (h *Hooks) provisionalMission(ctx context.Context, id string, now time.Time) *store.Mission {
	m := h.cache.Mission(ctx, id)
	if m == nil {
		m = &store.Mission{ID: id, CreatedAt: now}
	}
	// Stamped now so a later fetch of an older server copy does not undo it
	m.UpdatedAt = now
	m.HasPendingChanges = true
	return m
}

// UploadPhotos uploads a batch of photos of one type. Offline, the photos are
// kept locally under temporary ids and one queue entry covers the batch;
// submitting the same batch again while it is pending returns the first one.
func (h *Hooks) UploadPhotos(ctx context.Context, missionID string, t store.PhotoType, files []remote.File) ([]*store.Photo, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid photo type %q", t)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to upload")
	}
	base := h.nextIndex(ctx, missionID, t)

	if h.conn.IsOnline() {
		confirmed, err := h.api.UploadPhotos(ctx, missionID, t, files)
		if err != nil {
			return nil, err
		}
		stored := make([]*store.Photo, 0, len(confirmed))
		for i, p := range confirmed {
			if p == nil {
				continue
			}
			if p.MissionID == "" {
				p.MissionID = missionID
			}
			if p.Type == "" {
				p.Type = t
			}
			p.Index = base + i
			if i < len(files) {
				p.Blob = files[i].Data
				if p.ContentType == "" {
					p.ContentType = files[i].ContentType
				}
			}
			h.cache.PutPhoto(ctx, p)
			stored = append(stored, p)
		}
		return stored, nil
	}

	now := h.now()
	photos := make([]*store.Photo, len(files))
	ids := make([]store.EntityID, len(files))
	for i, f := range files {
		id := store.NewLocalPhotoID(missionID, t, base+i, now)
		ids[i] = id
		photos[i] = &store.Photo{
			ID:                id,
			MissionID:         missionID,
			Type:              t,
			Index:             base + i,
			Filename:          f.Name,
			ContentType:       f.ContentType,
			Size:              int64(len(f.Data)),
			CreatedAt:         now,
			HasPendingChanges: true,
			Blob:              f.Data,
		}
	}

	data := store.PhotoUploadData{MissionID: missionID, PhotoType: t, PhotoIDs: ids}
	key := "photo_upload:" + missionID + ":" + string(t) + ":" + fingerprint(files)
	entry, created, err := h.enqueueOnce(ctx, key, store.EntryPhotoUpload, missionID, data, queue.PriorityPhoto)
	if err != nil {
		return nil, err
	}
	if !created {
		return h.photosOf(ctx, entry), nil
	}
	for _, p := range photos {
		h.cache.PutPhoto(ctx, p)
	}
	return photos, nil
}

func (h *Hooks) nextIndex(ctx context.Context, missionID string, t store.PhotoType) int {
	next := 0
	for _, p := range h.cache.Photos(ctx, missionID) {
		if p.Type == t && p.Index >= next {
			next = p.Index + 1
		}
	}
	return next
}

func (h *Hooks) photosOf(ctx context.Context, entry *store.QueueEntry) []*store.Photo {
	var data store.PhotoUploadData
	if err := json.Unmarshal(entry.Data, &data); err != nil {
		return nil
	}
	photos := make([]*store.Photo, 0, len(data.PhotoIDs))
	for _, id := range data.PhotoIDs {
		p, err := h.cache.Store().GetPhoto(ctx, id)
		if err == nil && p != nil {
			photos = append(photos, p)
		}
	}
	return photos
}

// fingerprint identifies a batch of files by content.
func fingerprint(files []remote.File) string {
	d := xxhash.New()
	for _, f := range files {
		d.WriteString(f.Name)
		d.Write([]byte{0})
		d.Write(f.Data)
		d.Write([]byte{0})
	}
	var sum [8]byte
	return hex.EncodeToString(d.Sum(sum[:0]))
}

// MarkNotificationRead marks a notification read remotely, or provisionally
// when offline.
func (h *Hooks) MarkNotificationRead(ctx context.Context, id string) (*store.Notification, error) {
	now := h.now()
	if h.conn.IsOnline() {
		if err := h.api.MarkNotificationRead(ctx, id); err != nil {
			return nil, err
		}
		n := h.cache.Notification(ctx, id)
		if n == nil {
			n = &store.Notification{ID: id, CreatedAt: now}
		}
		n.Read = true
		if n.ReadAt == nil {
			n.ReadAt = &now
		}
		n = resilience.ServerWinsNotification(n, h.readPending(ctx, id))
		h.cache.PutNotification(ctx, n)
		return n, nil
	}

	if _, err := h.enqueue(ctx, "notification_read:"+id, store.EntryNotificationRead, id, nil, queue.PriorityNotification); err != nil {
		return nil, err
	}
	n := h.cache.Notification(ctx, id)
	if n == nil {
		n = &store.Notification{ID: id, CreatedAt: now}
	}
	n.Read = true
	n.OfflineReadAt = &now
	n.HasPendingRead = true
	h.cache.PutNotification(ctx, n)
	return n, nil
}

func (h *Hooks) enqueue(ctx context.Context, key string, t store.EntryType, entityID string, data interface{}, priority int) (*store.QueueEntry, error) {
	e, _, err := h.enqueueOnce(ctx, key, t, entityID, data, priority)
	return e, err
}

func (h *Hooks) enqueueOnce(ctx context.Context, key string, t store.EntryType, entityID string, data interface{}, priority int) (*store.QueueEntry, bool, error) {
	if !h.opts.DedupEnqueue {
		e, err := h.queue.Enqueue(ctx, t, entityID, data, priority)
		return e, err == nil, err
	}
	return h.queue.EnqueueOnce(ctx, key, t, entityID, data, priority)
}

// Sync runs a cycle now.
func (h *Hooks) Sync(ctx context.Context) engine.Result {
	return h.syncer.Sync(ctx)
}

// ClearCache wipes every local collection, pending mutations included.
func (h *Hooks) ClearCache(ctx context.Context) error {
	if err := h.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear local store: %w", err)
	}
	log.Printf("[HOOKS] Local store cleared")
	return nil
}
