package diagnostics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/store"
	"github.com/itskum47/FieldSync/sync_agent/timeline"
)

func TestCapture(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	tl := timeline.NewStore(10)

	low, _, _ := s.Enqueue(ctx, &store.QueueEntry{Type: store.EntryNotificationRead, EntityID: "n1", Priority: 1})
	high, _, _ := s.Enqueue(ctx, &store.QueueEntry{Type: store.EntryMissionStart, EntityID: "m1", Priority: 10})
	if ok, err := s.AcquireLease(ctx, store.SyncLeaseKey, "agent-a/1", time.Minute); err != nil || !ok {
		t.Fatalf("acquire lease: %v", err)
	}
	for i := 0; i < 5; i++ {
		tl.Record(timeline.SyncEvent{CycleID: "c1", Stage: timeline.StageCycleStarted})
	}

	r := Capture(ctx, Sources{
		DeviceID:     "dev-1",
		Store:        s,
		Coordinator:  s,
		Timeline:     tl,
		IsOnline:     func() bool { return true },
		RecentEvents: 3,
	})

	if len(r.Queue) != 2 || r.Queue[0].ID != high.ID || r.Queue[1].ID != low.ID {
		t.Errorf("queue must be reported in replay order: %+v", r.Queue)
	}
	if r.LeaseHolder != "agent-a/1" {
		t.Errorf("lease holder = %q", r.LeaseHolder)
	}
	if len(r.RecentEvents) != 3 {
		t.Errorf("expected the last 3 events, got %d", len(r.RecentEvents))
	}
	if !r.Online || r.Settings == nil || len(r.Errors) != 0 {
		t.Errorf("unexpected report %+v", r)
	}
}

func TestCaptureEntry(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	tl := timeline.NewStore(0)

	s.PutMission(ctx, &store.Mission{ID: "m1", Status: store.MissionInProgress})
	e, _, _ := s.Enqueue(ctx, &store.QueueEntry{Type: store.EntryMissionStart, EntityID: "m1", Priority: 10})
	s.RecordQueueFailure(ctx, e.ID, "HTTP 500")
	tl.Record(timeline.SyncEvent{CycleID: "c1", EntryID: e.ID, Stage: timeline.StageFailed})

	src := Sources{Store: s, Timeline: tl}

	report, err := CaptureEntry(ctx, src, e.ID)
	if err != nil || report == nil {
		t.Fatalf("capture failed: %v", err)
	}
	if report.Mission == nil || len(report.Events) != 1 || !strings.Contains(report.Analysis, "retrying") {
		t.Errorf("unexpected pending report %+v", report)
	}

	if _, err := s.AbandonQueueEntry(ctx, e.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	report, err = CaptureEntry(ctx, src, e.ID)
	if err != nil || report == nil || report.DeadLetter == nil {
		t.Fatalf("abandoned entry not found: %+v %v", report, err)
	}
	if !strings.Contains(report.Analysis, "abandoned after 1 attempts: HTTP 500") {
		t.Errorf("analysis = %q", report.Analysis)
	}

	if missing, err := CaptureEntry(ctx, src, 999); err != nil || missing != nil {
		t.Errorf("unknown id must return nil, got %+v %v", missing, err)
	}
}
