package queue

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/observability"
	"github.com/itskum47/FieldSync/sync_agent/store"
)

// Janitor periodically publishes queue gauges and purges old dead letters.
type Janitor struct {
	store     store.Store
	interval  time.Duration
	retention time.Duration
}

func NewJanitor(s store.Store, interval, retention time.Duration) *Janitor {
	return &Janitor{
		store:     s,
		interval:  interval,
		retention: retention,
	}
}

func (j *Janitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *Janitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	entries, err := j.store.ListQueue(ctx)
	if err != nil {
		log.Printf("[QUEUE] Janitor: list failed: %v", err)
		return
	}
	observability.QueueDepth.Set(float64(len(entries)))

	var oldest time.Time
	for _, e := range entries {
		if oldest.IsZero() || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
	}
	if oldest.IsZero() {
		observability.QueueOldestEntryAge.Set(0)
	} else {
		observability.QueueOldestEntryAge.Set(time.Since(oldest).Seconds())
	}

	if j.retention > 0 {
		n, err := j.store.PurgeDeadLetters(ctx, time.Now().Add(-j.retention))
		if err != nil {
			log.Printf("[QUEUE] Janitor: purge failed: %v", err)
		} else if n > 0 {
			log.Printf("[QUEUE] Janitor: purged %d dead letters older than %v", n, j.retention)
		}
	}

	letters, err := j.store.ListDeadLetters(ctx)
	if err == nil {
		observability.DeadLetters.Set(float64(len(letters)))
	}
}
