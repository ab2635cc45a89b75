package queue

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/store"
)

func TestInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemoryStore())

	// Enqueued lowest priority first
	mustEnqueue(t, q, store.EntryNotificationRead, "n1", PriorityNotification)
	mustEnqueue(t, q, store.EntryPhotoUpload, "m1", PriorityPhoto)
	mustEnqueue(t, q, store.EntryMissionStart, "m1", PriorityMission)
	mustEnqueue(t, q, store.EntryPhotoUpload, "m2", PriorityPhoto)
	mustEnqueue(t, q, store.EntryMissionComplete, "m2", PriorityMission)

	entries, err := q.InPriorityOrder(ctx)
	if err != nil {
		t.Fatalf("InPriorityOrder failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}

	for i := 1; i < len(entries); i++ {
		a, b := entries[i-1], entries[i]
		if a.Priority < b.Priority {
			t.Errorf("entry %d (p=%d) before higher priority entry %d (p=%d)", a.ID, a.Priority, b.ID, b.Priority)
		}
		if a.Priority == b.Priority && a.CreatedAt.After(b.CreatedAt) {
			t.Errorf("FIFO broken within priority %d: %d created after %d", a.Priority, a.ID, b.ID)
		}
	}

	want := []store.EntryType{
		store.EntryMissionStart, store.EntryMissionComplete,
		store.EntryPhotoUpload, store.EntryPhotoUpload,
		store.EntryNotificationRead,
	}
	for i, e := range entries {
		if e.Type != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], e.Type)
		}
	}

	// Reading does not remove
	depth, _ := q.Depth(ctx)
	if depth != 5 {
		t.Errorf("expected depth 5 after read, got %d", depth)
	}
}

func TestSortFIFOWithinTier(t *testing.T) {
	now := time.Now()
	entries := []*store.QueueEntry{
		{ID: 3, Priority: 5, CreatedAt: now.Add(2 * time.Second)},
		{ID: 2, Priority: 5, CreatedAt: now},
		{ID: 1, Priority: 5, CreatedAt: now},
		{ID: 4, Priority: 10, CreatedAt: now.Add(time.Hour)},
	}
	Sort(entries)

	got := []int64{entries[0].ID, entries[1].ID, entries[2].ID, entries[3].ID}
	want := []int64{4, 1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestPriorityFor(t *testing.T) {
	cases := map[store.EntryType]int{
		store.EntryMissionStart:     10,
		store.EntryMissionComplete:  10,
		store.EntryPhotoUpload:      5,
		store.EntryNotificationRead: 1,
	}
	for typ, want := range cases {
		if got := PriorityFor(typ); got != want {
			t.Errorf("PriorityFor(%s) = %d, want %d", typ, got, want)
		}
	}
}

func TestRecordFailureNeverAbandons(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemoryStore())
	e := mustEnqueue(t, q, store.EntryMissionStart, "m1", PriorityMission)

	for i := 1; i <= 5; i++ {
		updated, err := q.RecordFailure(ctx, e.ID, "HTTP 503")
		if err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
		if updated.RetryCount != i {
			t.Errorf("expected retry count %d, got %d", i, updated.RetryCount)
		}
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Errorf("RecordFailure must not remove the entry, depth=%d", depth)
	}
}

func TestEnqueueOnceDeduplicatesPendingEntries(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemoryStore())

	first, created, err := q.EnqueueOnce(ctx, "notification_read:n1", store.EntryNotificationRead, "n1", nil, PriorityNotification)
	if err != nil || !created {
		t.Fatalf("first EnqueueOnce: created=%v err=%v", created, err)
	}
	second, created, err := q.EnqueueOnce(ctx, "notification_read:n1", store.EntryNotificationRead, "n1", nil, PriorityNotification)
	if err != nil {
		t.Fatalf("second EnqueueOnce: %v", err)
	}
	if created {
		t.Error("duplicate pending mutation was enqueued twice")
	}
	if second.ID != first.ID {
		t.Errorf("expected existing entry %d, got %d", first.ID, second.ID)
	}

	// Plain Enqueue keeps the original semantics: duplicates allowed
	mustEnqueue(t, q, store.EntryNotificationRead, "n1", PriorityNotification)
	if n, _ := q.PendingFor(ctx, "n1"); n != 2 {
		t.Errorf("expected 2 pending entries for n1, got %d", n)
	}
}

func TestAbandonAndRequeue(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemoryStore())
	e := mustEnqueue(t, q, store.EntryPhotoUpload, "m1", PriorityPhoto)
	q.RecordFailure(ctx, e.ID, "HTTP 413")

	if _, err := q.Abandon(ctx, e.ID); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("abandoned entry still pending")
	}
	letters, _ := q.DeadLetters(ctx)
	if len(letters) != 1 || letters[0].LastError != "HTTP 413" {
		t.Fatalf("expected one dead letter with last error, got %+v", letters)
	}

	requeued, err := q.Requeue(ctx, e.ID)
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if requeued.RetryCount != 0 || requeued.LastError != "" {
		t.Errorf("requeued entry must start with a fresh retry budget: %+v", requeued)
	}
	if !requeued.CreatedAt.Equal(e.CreatedAt) {
		t.Errorf("requeued entry lost its original CreatedAt")
	}
	if letters, _ := q.DeadLetters(ctx); len(letters) != 0 {
		t.Errorf("dead letter not removed after requeue")
	}

	if _, err := q.Requeue(ctx, 999); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown dead letter, got %v", err)
	}
}

func mustEnqueue(t *testing.T, q *Queue, typ store.EntryType, entityID string, priority int) *store.QueueEntry {
	t.Helper()
	e, err := q.Enqueue(context.Background(), typ, entityID, map[string]string{"id": entityID}, priority)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	// Distinct CreatedAt per entry
	time.Sleep(time.Millisecond)
	return e
}

func TestJanitorPurgesOldDeadLetters(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	q := New(s)

	old := mustEnqueue(t, q, store.EntryMissionStart, "m1", PriorityMission)
	recent := mustEnqueue(t, q, store.EntryMissionStart, "m2", PriorityMission)
	mustEnqueue(t, q, store.EntryNotificationRead, "n1", PriorityNotification)

	if _, err := s.AbandonQueueEntry(ctx, old.ID, time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AbandonQueueEntry(ctx, recent.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	NewJanitor(s, time.Minute, time.Hour).sweep(ctx)

	letters, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 || letters[0].ID != recent.ID {
		t.Errorf("expected only the recent dead letter to survive, got %+v", letters)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Errorf("pending entries must be untouched, depth = %d", depth)
	}
	t.Logf("✅ Janitor purged expired dead letters")
}
