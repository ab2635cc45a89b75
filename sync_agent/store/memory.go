package store

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	holder    string
	expiresAt time.Time
}

// MemoryStore holds the local store in process memory.
// It implements the Store and Coordinator interfaces.
type MemoryStore struct {
	mu            sync.RWMutex
	missions      map[string]*Mission
	photos        map[string]*Photo
	notifications map[string]*Notification
	queue         map[int64]*QueueEntry
	dedup         map[string]int64
	deadLetters   map[int64]*DeadLetter
	settings      *Settings
	leases        map[string]memoryLease
	seq           int64
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{leases: make(map[string]memoryLease)}
	s.reset()
	return s
}

func (s *MemoryStore) reset() {
	s.missions = make(map[string]*Mission)
	s.photos = make(map[string]*Photo)
	s.notifications = make(map[string]*Notification)
	s.queue = make(map[int64]*QueueEntry)
	s.dedup = make(map[string]int64)
	s.deadLetters = make(map[int64]*DeadLetter)
	s.settings = defaultSettings()
}

// --- Mission Operations ---

func (s *MemoryStore) PutMission(ctx context.Context, m *Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.OfflineUpdatedAt = time.Now().UTC()
	s.missions[m.ID] = copyMission(m)
	return nil
}

func (s *MemoryStore) GetMission(ctx context.Context, id string) (*Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[id]
	if !ok {
		return nil, nil
	}
	return copyMission(m), nil
}

func (s *MemoryStore) ListMissions(ctx context.Context) ([]*Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Mission, 0, len(s.missions))
	for _, m := range s.missions {
		result = append(result, copyMission(m))
	}
	sortMissions(result)
	return result, nil
}

// --- Photo Operations ---

func (s *MemoryStore) PutPhoto(ctx context.Context, p *Photo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.OfflineUpdatedAt = time.Now().UTC()
	c := copyPhoto(p)
	c.Preview = ""
	s.photos[p.ID.Key()] = c
	return nil
}

func (s *MemoryStore) GetPhoto(ctx context.Context, id EntityID) (*Photo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.photos[id.Key()]
	if !ok {
		return nil, nil
	}
	return copyPhoto(p), nil
}

func (s *MemoryStore) ListPhotos(ctx context.Context, missionID string) ([]*Photo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Photo
	for _, p := range s.photos {
		if p.MissionID != missionID {
			continue
		}
		c := copyPhoto(p)
		attachPreview(c)
		result = append(result, c)
	}
	sortPhotos(result)
	return result, nil
}

func (s *MemoryStore) PromotePhoto(ctx context.Context, from EntityID, confirmed *Photo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.photos[from.Key()]; !ok {
		return ErrNotFound
	}
	delete(s.photos, from.Key())
	confirmed.OfflineUpdatedAt = time.Now().UTC()
	c := copyPhoto(confirmed)
	c.Preview = ""
	s.photos[confirmed.ID.Key()] = c
	return nil
}

// --- Notification Operations ---

func (s *MemoryStore) PutNotification(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.OfflineUpdatedAt = time.Now().UTC()
	c := *n
	s.notifications[n.ID] = &c
	return nil
}

func (s *MemoryStore) GetNotification(ctx context.Context, id string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, nil
	}
	c := *n
	return &c, nil
}

func (s *MemoryStore) ListNotifications(ctx context.Context) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		c := *n
		result = append(result, &c)
	}
	sortNotifications(result)
	return result, nil
}

// --- Queue Operations ---

func (s *MemoryStore) Enqueue(ctx context.Context, e *QueueEntry) (*QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.DedupKey != "" {
		if id, ok := s.dedup[e.DedupKey]; ok {
			return copyEntry(s.queue[id]), false, nil
		}
	}
	s.seq++
	e.ID = s.seq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.queue[e.ID] = copyEntry(e)
	if e.DedupKey != "" {
		s.dedup[e.DedupKey] = e.ID
	}
	return copyEntry(e), true, nil
}

func (s *MemoryStore) ListQueue(ctx context.Context) ([]*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*QueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		result = append(result, copyEntry(e))
	}
	return result, nil
}

func (s *MemoryStore) GetQueueEntry(ctx context.Context, id int64) (*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.queue[id]
	if !ok {
		return nil, nil
	}
	return copyEntry(e), nil
}

func (s *MemoryStore) RecordQueueFailure(ctx context.Context, id int64, msg string) (*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok {
		return nil, ErrNotFound
	}
	e.RetryCount++
	e.LastError = msg
	return copyEntry(e), nil
}

func (s *MemoryStore) RemoveQueueEntry(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	return nil
}

func (s *MemoryStore) removeLocked(id int64) *QueueEntry {
	e, ok := s.queue[id]
	if !ok {
		return nil
	}
	delete(s.queue, id)
	if e.DedupKey != "" && s.dedup[e.DedupKey] == id {
		delete(s.dedup, e.DedupKey)
	}
	return e
}

func (s *MemoryStore) AbandonQueueEntry(ctx context.Context, id int64, at time.Time) (*DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.removeLocked(id)
	if e == nil {
		return nil, ErrNotFound
	}
	d := &DeadLetter{QueueEntry: *copyEntry(e), AbandonedAt: at}
	s.deadLetters[id] = d
	c := *d
	return &c, nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*DeadLetter, 0, len(s.deadLetters))
	for _, d := range s.deadLetters {
		c := *d
		c.QueueEntry = *copyEntry(&d.QueueEntry)
		result = append(result, &c)
	}
	sortDeadLetters(result)
	return result, nil
}

func (s *MemoryStore) RemoveDeadLetter(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadLetters, id)
	return nil
}

func (s *MemoryStore) PurgeDeadLetters(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, d := range s.deadLetters {
		if d.AbandonedAt.Before(before) {
			delete(s.deadLetters, id)
			n++
		}
	}
	return n, nil
}

// --- Settings ---

func (s *MemoryStore) GetSettings(ctx context.Context) (*Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := *s.settings
	return &c, nil
}

func (s *MemoryStore) PutSettings(ctx context.Context, st *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *st
	c.ID = SettingsID
	s.settings = &c
	return nil
}

func (s *MemoryStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// --- Coordinator ---

func (s *MemoryStore) AcquireLease(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if l, ok := s.leases[key]; ok && l.holder != holder && now.Before(l.expiresAt) {
		return false, nil
	}
	s.leases[key] = memoryLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	l, ok := s.leases[key]
	if !ok || l.holder != holder || !now.Before(l.expiresAt) {
		return false, nil
	}
	l.expiresAt = now.Add(ttl)
	s.leases[key] = l
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, key string, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[key]; ok && l.holder == holder {
		delete(s.leases, key)
	}
	return nil
}

func (s *MemoryStore) LeaseHolder(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leases[key]
	if !ok || !time.Now().Before(l.expiresAt) {
		return "", nil
	}
	return l.holder, nil
}
