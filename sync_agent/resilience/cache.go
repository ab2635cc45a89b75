package resilience

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/observability"
	"github.com/itskum47/FieldSync/sync_agent/store"
)

// Cache is the read path of the local store as seen by the UI.
// A failing store never surfaces as an error here: reads degrade to empty
// results and writes are skipped, and the cache reports itself degraded until
// the next successful operation.
type Cache struct {
	store store.Store

	mu        sync.RWMutex
	degraded  bool
	lastError string
	since     time.Time
}

func NewCache(s store.Store) *Cache {
	return &Cache{store: s}
}

// Store exposes the wrapped store for callers that must see errors.
func (c *Cache) Store() store.Store { return c.store }

func (c *Cache) observe(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		if c.degraded {
			log.Printf("[CACHE] Local store recovered after %v, leaving degraded mode", time.Since(c.since).Round(time.Millisecond))
			c.degraded = false
			c.lastError = ""
			observability.CacheDegraded.Set(0)
		}
		return
	}

	observability.CacheErrors.WithLabelValues(op).Inc()
	if !c.degraded {
		log.Printf("[CACHE] Local store failing (%s: %v), entering degraded mode", op, err)
		c.degraded = true
		c.since = time.Now()
		observability.CacheDegraded.Set(1)
	}
	c.lastError = err.Error()
}

// IsDegraded returns true if the last store operation failed.
func (c *Cache) IsDegraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// HealthCheck reports the cache state for the status endpoint.
func (c *Cache) HealthCheck() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"degraded":   c.degraded,
		"last_error": c.lastError,
	}
}

func (c *Cache) Missions(ctx context.Context) []*store.Mission {
	ms, err := c.store.ListMissions(ctx)
	c.observe("list_missions", err)
	if err != nil {
		return nil
	}
	return ms
}

func (c *Cache) Mission(ctx context.Context, id string) *store.Mission {
	m, err := c.store.GetMission(ctx, id)
	c.observe("get_mission", err)
	if err != nil {
		return nil
	}
	return m
}

func (c *Cache) PutMission(ctx context.Context, m *store.Mission) bool {
	err := c.store.PutMission(ctx, m)
	c.observe("put_mission", err)
	return err == nil
}

func (c *Cache) Photos(ctx context.Context, missionID string) []*store.Photo {
	ps, err := c.store.ListPhotos(ctx, missionID)
	c.observe("list_photos", err)
	if err != nil {
		return nil
	}
	return ps
}

func (c *Cache) PutPhoto(ctx context.Context, p *store.Photo) bool {
	err := c.store.PutPhoto(ctx, p)
	c.observe("put_photo", err)
	return err == nil
}

func (c *Cache) Notifications(ctx context.Context) []*store.Notification {
	ns, err := c.store.ListNotifications(ctx)
	c.observe("list_notifications", err)
	if err != nil {
		return nil
	}
	return ns
}

func (c *Cache) Notification(ctx context.Context, id string) *store.Notification {
	n, err := c.store.GetNotification(ctx, id)
	c.observe("get_notification", err)
	if err != nil {
		return nil
	}
	return n
}

func (c *Cache) PutNotification(ctx context.Context, n *store.Notification) bool {
	err := c.store.PutNotification(ctx, n)
	c.observe("put_notification", err)
	return err == nil
}

// Settings returns the zero settings record when the store fails.
func (c *Cache) Settings(ctx context.Context) *store.Settings {
	st, err := c.store.GetSettings(ctx)
	c.observe("get_settings", err)
	if err != nil || st == nil {
		return &store.Settings{ID: store.SettingsID}
	}
	return st
}

// Clear wipes the store. Unlike the other operations its error is returned:
// a logout that left data behind must not look successful.
func (c *Cache) Clear(ctx context.Context) error {
	err := c.store.ClearAll(ctx)
	c.observe("clear_all", err)
	return err
}
