package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/observability"
	"github.com/itskum47/FieldSync/sync_agent/store"
)

// Queue is the durable, priority-ordered log of mutations awaiting replay.
type Queue struct {
	store store.Store
}

func New(s store.Store) *Queue {
	return &Queue{store: s}
}

// Enqueue appends a new entry with RetryCount 0 and CreatedAt now.
func (q *Queue) Enqueue(ctx context.Context, t store.EntryType, entityID string, data interface{}, priority int) (*store.QueueEntry, error) {
	e, _, err := q.enqueue(ctx, "", t, entityID, data, priority)
	return e, err
}

// EnqueueOnce is Enqueue with deduplication: while an entry with the same key
// is pending, that entry is returned and created is false.
func (q *Queue) EnqueueOnce(ctx context.Context, key string, t store.EntryType, entityID string, data interface{}, priority int) (*store.QueueEntry, bool, error) {
	return q.enqueue(ctx, key, t, entityID, data, priority)
}

func (q *Queue) enqueue(ctx context.Context, key string, t store.EntryType, entityID string, data interface{}, priority int) (*store.QueueEntry, bool, error) {
	raw, err := encodeData(data)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s payload: %w", t, err)
	}
	e := &store.QueueEntry{
		Type:      t,
		EntityID:  entityID,
		Data:      raw,
		CreatedAt: time.Now().UTC(),
		Priority:  priority,
		DedupKey:  key,
	}
	stored, created, err := q.store.Enqueue(ctx, e)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s for %s: %w", t, entityID, err)
	}
	if created {
		observability.QueueEnqueued.WithLabelValues(string(t), "created").Inc()
	} else {
		observability.QueueEnqueued.WithLabelValues(string(t), "deduplicated").Inc()
		log.Printf("[QUEUE] %s for %s already pending as entry %d", t, entityID, stored.ID)
	}
	return stored, created, nil
}

func encodeData(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	return json.Marshal(data)
}

// InPriorityOrder returns every pending entry in replay order without removing any.
func (q *Queue) InPriorityOrder(ctx context.Context) ([]*store.QueueEntry, error) {
	entries, err := q.store.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	Sort(entries)
	return entries, nil
}

// RecordFailure increments the retry count and stores the error message.
// Abandonment is the caller's decision.
func (q *Queue) RecordFailure(ctx context.Context, id int64, msg string) (*store.QueueEntry, error) {
	return q.store.RecordQueueFailure(ctx, id, msg)
}

func (q *Queue) Remove(ctx context.Context, id int64) error {
	return q.store.RemoveQueueEntry(ctx, id)
}

// Abandon moves an entry to the dead letters, keeping its last error.
func (q *Queue) Abandon(ctx context.Context, id int64) (*store.DeadLetter, error) {
	return q.store.AbandonQueueEntry(ctx, id, time.Now().UTC())
}

func (q *Queue) DeadLetters(ctx context.Context) ([]*store.DeadLetter, error) {
	return q.store.ListDeadLetters(ctx)
}

// Requeue puts a dead letter back in the queue with a fresh retry budget.
// The original CreatedAt is kept so the entry regains its place in its tier.
func (q *Queue) Requeue(ctx context.Context, id int64) (*store.QueueEntry, error) {
	letters, err := q.store.ListDeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	var found *store.DeadLetter
	for _, d := range letters {
		if d.ID == id {
			found = d
			break
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}

	e := found.QueueEntry
	e.ID = 0
	e.RetryCount = 0
	e.LastError = ""
	stored, _, err := q.store.Enqueue(ctx, &e)
	if err != nil {
		return nil, err
	}
	if err := q.store.RemoveDeadLetter(ctx, id); err != nil {
		return nil, err
	}
	log.Printf("[QUEUE] dead letter %d requeued as entry %d (%s %s)", id, stored.ID, stored.Type, stored.EntityID)
	return stored, nil
}

// PendingFor counts pending entries targeting an entity.
func (q *Queue) PendingFor(ctx context.Context, entityID string) (int, error) {
	entries, err := q.store.ListQueue(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.EntityID == entityID {
			n++
		}
	}
	return n, nil
}

// Depth returns the number of pending entries.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	entries, err := q.store.ListQueue(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// PendingOfType counts pending entries of the given types targeting an entity.
func (q *Queue) PendingOfType(ctx context.Context, entityID string, types ...store.EntryType) (int, error) {
	entries, err := q.store.ListQueue(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.EntityID != entityID {
			continue
		}
		for _, t := range types {
			if e.Type == t {
				n++
				break
			}
		}
	}
	return n, nil
}
