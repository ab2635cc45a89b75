package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/queue"
	"github.com/itskum47/FieldSync/sync_agent/remote"
	"github.com/itskum47/FieldSync/sync_agent/store"
)

type onlineFlag struct{ v atomic.Bool }

func (o *onlineFlag) IsOnline() bool { return o.v.Load() }

func online() *onlineFlag {
	o := &onlineFlag{}
	o.v.Store(true)
	return o
}

// fakeAPI records calls and answers from the configured hooks.
type fakeAPI struct {
	mu    sync.Mutex
	calls []string

	startErr      error
	completeErr   error
	uploadErr     error
	missions      []*store.Mission
	notifications []*store.Notification

	// listGate, when set, blocks ListMissions until closed.
	listGate    chan struct{}
	listEntered chan struct{}
	listCalls   atomic.Int32
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAPI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) StartMission(ctx context.Context, id string, body json.RawMessage) (*store.Mission, error) {
	f.record("start:" + id)
	if f.startErr != nil {
		return nil, f.startErr
	}
	now := time.Now().UTC()
	return &store.Mission{ID: id, Status: store.MissionInProgress, StartedAt: &now, UpdatedAt: now}, nil
}

func (f *fakeAPI) CompleteMission(ctx context.Context, id string, req remote.CompleteRequest) (*store.Mission, error) {
	f.record("complete:" + id)
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &store.Mission{ID: id, Status: store.MissionCompleted, Comments: req.Comments, UpdatedAt: time.Now().UTC()}, nil
}

func (f *fakeAPI) UploadPhotos(ctx context.Context, missionID string, t store.PhotoType, files []remote.File) ([]*store.Photo, error) {
	f.record("upload:" + missionID)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	out := make([]*store.Photo, len(files))
	for i, file := range files {
		out[i] = &store.Photo{
			ID:        store.RemoteID("srv-" + file.Name),
			MissionID: missionID,
			Type:      t,
			URL:       "https://cdn.example.com/" + file.Name,
			Filename:  file.Name,
			Size:      int64(len(file.Data)),
		}
	}
	return out, nil
}

func (f *fakeAPI) MarkNotificationRead(ctx context.Context, id string) error {
	f.record("read:" + id)
	return nil
}

func (f *fakeAPI) ListMissions(ctx context.Context) ([]*store.Mission, error) {
	f.listCalls.Add(1)
	if f.listEntered != nil {
		f.listEntered <- struct{}{}
	}
	if f.listGate != nil {
		<-f.listGate
	}
	return f.missions, nil
}

func (f *fakeAPI) GetMission(ctx context.Context, id string) (*store.Mission, error) {
	return nil, &remote.APIError{Status: 404, Message: "not found"}
}

func (f *fakeAPI) ListNotifications(ctx context.Context) ([]*store.Notification, error) {
	return f.notifications, nil
}

func newTestEngine(t *testing.T, s *store.MemoryStore, api remote.API) *Engine {
	t.Helper()
	return New(s, api, online(), nil, nil, Config{MaxRetries: 3, HolderID: t.Name(), LeaseTTL: 5 * time.Second})
}

func TestSyncOffline(t *testing.T) {
	api := &fakeAPI{}
	e := New(store.NewMemoryStore(), api, &onlineFlag{}, nil, nil, DefaultConfig())

	res := e.Sync(context.Background())
	if res.Status != StatusError || res.ErrorCount != 1 || len(res.Errors) != 1 || res.Errors[0] != "no connectivity" {
		t.Fatalf("unexpected offline result %+v", res)
	}
	if len(api.Calls()) != 0 || api.listCalls.Load() != 0 {
		t.Error("offline sync must not touch the network")
	}
}

func TestSyncReplaysInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	api := &fakeAPI{}
	e := newTestEngine(t, s, api)
	q := queue.New(s)

	if _, err := q.Enqueue(ctx, store.EntryNotificationRead, "n1", nil, queue.PriorityNotification); err != nil {
		t.Fatal(err)
	}
	photoID := store.NewLocalPhotoID("m1", store.PhotoBefore, 0, time.Now())
	if err := s.PutPhoto(ctx, &store.Photo{ID: photoID, MissionID: "m1", Type: store.PhotoBefore, Filename: "a.jpg", ContentType: "image/jpeg", Blob: []byte("jpeg"), HasPendingChanges: true}); err != nil {
		t.Fatal(err)
	}
	upload := store.PhotoUploadData{MissionID: "m1", PhotoType: store.PhotoBefore, PhotoIDs: []store.EntityID{photoID}}
	if _, err := q.Enqueue(ctx, store.EntryPhotoUpload, "m1", upload, queue.PriorityPhoto); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, store.EntryMissionStart, "m1", nil, queue.PriorityMission); err != nil {
		t.Fatal(err)
	}

	res := e.Sync(ctx)
	if res.Status != StatusCompleted || res.SyncedCount != 3 || res.ErrorCount != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	calls := api.Calls()
	want := []string{"start:m1", "upload:m1", "read:n1"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}

	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Errorf("queue not drained: %d entries left", depth)
	}

	m, _ := s.GetMission(ctx, "m1")
	if m == nil || m.Status != store.MissionInProgress || m.HasPendingChanges {
		t.Errorf("mission not confirmed from server response: %+v", m)
	}

	if p, _ := s.GetPhoto(ctx, photoID); p != nil {
		t.Error("temp photo survived promotion")
	}
	p, _ := s.GetPhoto(ctx, store.RemoteID("srv-a.jpg"))
	if p == nil || p.HasPendingChanges || string(p.Blob) != "jpeg" {
		t.Errorf("promoted photo missing or pending: %+v", p)
	}

	st, _ := s.GetSettings(ctx)
	if st.SyncInProgress || st.LastSyncAt == nil || st.SyncErrorCount != 0 {
		t.Errorf("settings not finalized: %+v", st)
	}
	t.Logf("✅ replayed %v", calls)
}

func TestRetryCeilingAbandonsEntry(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	api := &fakeAPI{startErr: &remote.APIError{Status: 500, Message: "HTTP 500"}}
	e := newTestEngine(t, s, api)
	q := e.Queue()

	if err := s.PutMission(ctx, &store.Mission{ID: "m1", Status: store.MissionInProgress, HasPendingChanges: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, store.EntryMissionStart, "m1", nil, queue.PriorityMission); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		res := e.Sync(ctx)
		if res.Status != StatusError || res.ErrorCount != 1 || res.AbandonedCount != 0 {
			t.Fatalf("attempt %d: unexpected result %+v", attempt, res)
		}
		entries, _ := q.InPriorityOrder(ctx)
		if len(entries) != 1 || entries[0].RetryCount != attempt || entries[0].LastError != "HTTP 500" {
			t.Fatalf("attempt %d: unexpected queue %+v", attempt, entries)
		}
	}

	res := e.Sync(ctx)
	if res.AbandonedCount != 1 {
		t.Fatalf("third failure must abandon the entry: %+v", res)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Errorf("abandoned entry still queued")
	}
	letters, _ := q.DeadLetters(ctx)
	if len(letters) != 1 || letters[0].RetryCount != 3 || letters[0].LastError != "HTTP 500" {
		t.Fatalf("unexpected dead letters %+v", letters)
	}
	if m, _ := s.GetMission(ctx, "m1"); m.HasPendingChanges {
		t.Error("abandoned mission still flagged pending")
	}
	if err := res.Err(); err == nil {
		t.Error("expected a cycle error")
	}

	// A requeued dead letter gets a fresh budget and flags the mission again
	api.startErr = nil
	if _, err := e.Requeue(ctx, letters[0].ID); err != nil {
		t.Fatal(err)
	}
	if m, _ := s.GetMission(ctx, "m1"); !m.HasPendingChanges {
		t.Error("requeue must restore the pending flag")
	}
	if res := e.Sync(ctx); res.SyncedCount != 1 || res.Status != StatusCompleted {
		t.Errorf("requeued entry not replayed: %+v", res)
	}
}

func TestAbandonedPhotosAreFlagged(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	api := &fakeAPI{uploadErr: errors.New("connection reset")}
	e := New(s, api, online(), nil, nil, Config{MaxRetries: 1, HolderID: "photos"})

	id := store.NewLocalPhotoID("m1", store.PhotoAfter, 0, time.Now())
	if err := s.PutPhoto(ctx, &store.Photo{ID: id, MissionID: "m1", Type: store.PhotoAfter, Filename: "x.jpg", Blob: []byte("x"), HasPendingChanges: true}); err != nil {
		t.Fatal(err)
	}
	data := store.PhotoUploadData{MissionID: "m1", PhotoType: store.PhotoAfter, PhotoIDs: []store.EntityID{id}}
	if _, err := e.Queue().Enqueue(ctx, store.EntryPhotoUpload, "m1", data, queue.PriorityPhoto); err != nil {
		t.Fatal(err)
	}

	if res := e.Sync(ctx); res.AbandonedCount != 1 {
		t.Fatalf("expected abandonment, got %+v", res)
	}
	p, _ := s.GetPhoto(ctx, id)
	if p == nil || !p.SyncFailed || p.HasPendingChanges || len(p.Blob) == 0 {
		t.Errorf("abandoned photo must keep its blob and be flagged failed: %+v", p)
	}
}

func TestSupersededPhotoEntryIsNoop(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	api := &fakeAPI{}
	e := newTestEngine(t, s, api)

	data := store.PhotoUploadData{MissionID: "m1", PhotoType: store.PhotoBefore, PhotoIDs: []store.EntityID{store.LocalID("temp-m1-before-0-1")}}
	if _, err := e.Queue().Enqueue(ctx, store.EntryPhotoUpload, "m1", data, queue.PriorityPhoto); err != nil {
		t.Fatal(err)
	}
	res := e.Sync(ctx)
	if res.SyncedCount != 1 || len(api.Calls()) != 0 {
		t.Errorf("missing temp photos must confirm without a request: %+v calls=%v", res, api.Calls())
	}
}

func TestDownloadKeepsPendingFlag(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	api := &fakeAPI{
		startErr: errors.New("HTTP 503"),
		missions: []*store.Mission{
			{ID: "m1", Status: store.MissionAssigned, UpdatedAt: time.Now()},
			{ID: "m2", Status: store.MissionAssigned, UpdatedAt: time.Now()},
		},
		notifications: []*store.Notification{{ID: "n1", Title: "New mission"}},
	}
	e := newTestEngine(t, s, api)
	if _, err := e.Queue().Enqueue(ctx, store.EntryMissionStart, "m1", nil, queue.PriorityMission); err != nil {
		t.Fatal(err)
	}

	e.Sync(ctx)

	m1, _ := s.GetMission(ctx, "m1")
	m2, _ := s.GetMission(ctx, "m2")
	if m1 == nil || !m1.HasPendingChanges {
		t.Errorf("m1 has a queued start and must stay pending: %+v", m1)
	}
	if m2 == nil || m2.HasPendingChanges {
		t.Errorf("m2 must be stored clean: %+v", m2)
	}
	if n, _ := s.GetNotification(ctx, "n1"); n == nil {
		t.Error("notifications not downloaded")
	}
}

func TestConcurrentSyncReturnsSyncing(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{listGate: make(chan struct{}), listEntered: make(chan struct{}, 1)}
	e := newTestEngine(t, store.NewMemoryStore(), api)

	done := make(chan Result, 1)
	go func() { done <- e.Sync(ctx) }()

	select {
	case <-api.listEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never reached the download pass")
	}

	if e.Status() != StatusSyncing {
		t.Errorf("status = %s while a cycle runs", e.Status())
	}
	second := e.Sync(ctx)
	if second.Status != StatusSyncing || second.SyncedCount != 0 {
		t.Errorf("overlapping sync must return syncing at once, got %+v", second)
	}

	close(api.listGate)
	first := <-done
	if first.Status != StatusCompleted {
		t.Errorf("first cycle = %+v", first)
	}
	if n := api.listCalls.Load(); n != 1 {
		t.Errorf("ListMissions called %d times, want 1", n)
	}
}

func TestSyncLeaseExcludesOtherProcesses(t *testing.T) {
	ctx := context.Background()
	shared := store.NewMemoryStore()

	blocking := &fakeAPI{listGate: make(chan struct{}), listEntered: make(chan struct{}, 1)}
	a := New(shared, blocking, online(), nil, nil, Config{HolderID: "agent-a", LeaseTTL: 5 * time.Second})
	other := &fakeAPI{}
	b := New(shared, other, online(), nil, nil, Config{HolderID: "agent-b", LeaseTTL: 5 * time.Second})

	done := make(chan Result, 1)
	go func() { done <- a.Sync(ctx) }()
	<-blocking.listEntered

	if res := b.Sync(ctx); res.Status != StatusSyncing {
		t.Errorf("second process must see the lease held, got %+v", res)
	}
	if other.listCalls.Load() != 0 {
		t.Error("second process reached the network while the lease was held")
	}

	close(blocking.listGate)
	<-done

	if res := b.Sync(ctx); res.Status != StatusCompleted {
		t.Errorf("lease should be free after the first cycle, got %+v", res)
	}
}

func TestStatusListeners(t *testing.T) {
	e := newTestEngine(t, store.NewMemoryStore(), &fakeAPI{})

	var mu sync.Mutex
	var seen []Status
	got := make(chan struct{}, 2)
	unsubscribe := e.OnStatusChange(func(c StatusChange) {
		mu.Lock()
		seen = append(seen, c.Status)
		mu.Unlock()
		got <- struct{}{}
	})
	defer unsubscribe()

	e.Sync(context.Background())
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("listener received %d of 2 events", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != StatusSyncing || seen[1] != StatusCompleted {
		t.Errorf("unexpected transitions %v", seen)
	}
	if e.LastResult() == nil {
		t.Error("last result not retained")
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	api := &fakeAPI{completeErr: &remote.APIError{Status: 500, Message: "HTTP 500"}}
	e := newTestEngine(t, s, api)
	q := e.Queue()

	first, err := q.Enqueue(ctx, store.EntryMissionStart, "m1", nil, queue.PriorityMission)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	middle, err := q.Enqueue(ctx, store.EntryMissionComplete, "m2", store.CompleteMissionData{Comments: "done"}, queue.PriorityMission)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := q.Enqueue(ctx, store.EntryMissionStart, "m3", nil, queue.PriorityMission); err != nil {
		t.Fatal(err)
	}

	res := e.Sync(ctx)
	if res.Status != StatusError || res.SyncedCount != 2 || res.ErrorCount != 1 {
		t.Fatalf("first cycle: %+v", res)
	}
	calls := api.Calls()
	want := []string{"start:m1", "complete:m2", "start:m3"}
	for i := range want {
		if i >= len(calls) || calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
	for _, id := range []string{"m1", "m3"} {
		if m, _ := s.GetMission(ctx, id); m == nil || m.Status != store.MissionInProgress {
			t.Errorf("mission %s not confirmed: %+v", id, m)
		}
	}
	if pending, _ := q.PendingFor(ctx, "m1"); pending != 0 {
		t.Errorf("confirmed entry %d still queued", first.ID)
	}

	e.Sync(ctx)
	res = e.Sync(ctx)
	if res.AbandonedCount != 1 {
		t.Fatalf("third cycle should abandon the failing entry: %+v", res)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Errorf("queue depth = %d after abandonment", depth)
	}
	letters, _ := q.DeadLetters(ctx)
	if len(letters) != 1 || letters[0].ID != middle.ID || letters[0].RetryCount != 3 {
		t.Errorf("dead letters = %+v", letters)
	}
	t.Logf("✅ failing entry isolated and dead-lettered, neighbours confirmed")
}

func TestDownloadSkipsNullElements(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	api := &fakeAPI{
		missions:      []*store.Mission{nil, {ID: "m9", Status: store.MissionAssigned, UpdatedAt: time.Now().UTC()}},
		notifications: []*store.Notification{nil},
	}
	e := newTestEngine(t, s, api)

	res := e.Sync(ctx)
	if res.Status != StatusCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if m, _ := s.GetMission(ctx, "m9"); m == nil {
		t.Error("valid mission next to a null element was not stored")
	}
}
