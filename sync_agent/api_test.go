package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/connectivity"
	"github.com/itskum47/FieldSync/sync_agent/engine"
	"github.com/itskum47/FieldSync/sync_agent/hooks"
	"github.com/itskum47/FieldSync/sync_agent/idempotency"
	"github.com/itskum47/FieldSync/sync_agent/remote"
	"github.com/itskum47/FieldSync/sync_agent/resilience"
	"github.com/itskum47/FieldSync/sync_agent/scheduler"
	"github.com/itskum47/FieldSync/sync_agent/store"
	"github.com/itskum47/FieldSync/sync_agent/streaming"
	"github.com/itskum47/FieldSync/sync_agent/timeline"
)

// MockRemote answers like the mission API for a fixed set of missions.
type MockRemote struct {
	mu            sync.Mutex
	missions      map[string]*store.Mission
	completeCalls int
	uploads       int
}

func NewMockRemote(ids ...string) *MockRemote {
	m := &MockRemote{missions: map[string]*store.Mission{}}
	for _, id := range ids {
		m.missions[id] = &store.Mission{ID: id, Status: store.MissionAssigned, UpdatedAt: time.Now().UTC().Add(-time.Hour)}
	}
	return m
}

func (m *MockRemote) update(id string, fn func(*store.Mission)) (*store.Mission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mission, ok := m.missions[id]
	if !ok {
		return nil, &remote.APIError{Status: http.StatusNotFound, Message: "Mission not found"}
	}
	fn(mission)
	mission.UpdatedAt = time.Now().UTC()
	c := *mission
	return &c, nil
}

func (m *MockRemote) StartMission(ctx context.Context, id string, body json.RawMessage) (*store.Mission, error) {
	return m.update(id, func(ms *store.Mission) { ms.Status = store.MissionInProgress })
}

func (m *MockRemote) CompleteMission(ctx context.Context, id string, req remote.CompleteRequest) (*store.Mission, error) {
	return m.update(id, func(ms *store.Mission) {
		m.completeCalls++
		ms.Status = store.MissionCompleted
		ms.Comments = req.Comments
	})
}

func (m *MockRemote) UploadPhotos(ctx context.Context, missionID string, t store.PhotoType, files []remote.File) ([]*store.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Photo, len(files))
	for i, f := range files {
		m.uploads++
		out[i] = &store.Photo{ID: store.RemoteID(f.Name), MissionID: missionID, Type: t, Filename: f.Name}
	}
	return out, nil
}

func (m *MockRemote) MarkNotificationRead(ctx context.Context, id string) error { return nil }

func (m *MockRemote) ListMissions(ctx context.Context) ([]*store.Mission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Mission, 0, len(m.missions))
	for _, ms := range m.missions {
		c := *ms
		out = append(out, &c)
	}
	return out, nil
}

func (m *MockRemote) GetMission(ctx context.Context, id string) (*store.Mission, error) {
	return m.update(id, func(*store.Mission) {})
}

func (m *MockRemote) ListNotifications(ctx context.Context) ([]*store.Notification, error) {
	return nil, nil
}

type testAgent struct {
	api     *API
	handler http.Handler
	monitor *connectivity.Monitor
	remote  *MockRemote
	sched   *scheduler.Scheduler
	tokens  *remote.StaticToken
}

func newTestAgent(t *testing.T, online bool, missions ...string) *testAgent {
	t.Helper()
	backend := store.NewMemoryStore()
	bus := streaming.NewBus("test", 0)
	t.Cleanup(func() { bus.Close() })

	rem := NewMockRemote(missions...)
	mon := connectivity.NewMonitor(nil, time.Minute, bus, online)
	eng := engine.New(backend, rem, mon, bus, timeline.NewStore(0), engine.DefaultConfig())
	cache := resilience.NewCache(backend)
	h := hooks.New(cache, eng.Queue(), rem, mon, eng, hooks.Options{DedupEnqueue: true})
	sched := scheduler.New(eng, mon, scheduler.DefaultConfig())
	tokens := &remote.StaticToken{}

	a := NewAPI(h, eng, sched, mon, cache, backend, tokens, idempotency.NewStore(time.Minute), bus, "dev-test")
	return &testAgent{
		api:     a,
		handler: a.Handler([]string{"http://localhost:5173"}),
		monitor: mon,
		remote:  rem,
		sched:   sched,
		tokens:  tokens,
	}
}

func (ta *testAgent) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestOfflineStartThenSync(t *testing.T) {
	ta := newTestAgent(t, false, "m1")

	rec := ta.do(t, httptest.NewRequest(http.MethodPost, "/missions/m1/start", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("start offline: %d %s", rec.Code, rec.Body.String())
	}
	var started struct {
		Mission *store.Mission `json:"mission"`
		Queued  bool           `json:"queued"`
	}
	decode(t, rec, &started)
	if !started.Queued || started.Mission.Status != store.MissionInProgress {
		t.Fatalf("expected a provisional in-progress mission, got %+v", started)
	}

	var status struct {
		QueueDepth int  `json:"queue_depth"`
		Online     bool `json:"online"`
	}
	decode(t, ta.do(t, httptest.NewRequest(http.MethodGet, "/sync/status", nil)), &status)
	if status.QueueDepth != 1 || status.Online {
		t.Fatalf("unexpected status %+v", status)
	}

	ta.monitor.SetOnline(true)
	rec = ta.do(t, httptest.NewRequest(http.MethodPost, "/sync", nil))
	var res engine.Result
	decode(t, rec, &res)
	if res.Status != engine.StatusCompleted || res.SyncedCount != 1 {
		t.Fatalf("sync result %+v", res)
	}

	var got struct {
		Mission *store.Mission `json:"mission"`
	}
	decode(t, ta.do(t, httptest.NewRequest(http.MethodGet, "/missions/m1", nil)), &got)
	if got.Mission.HasPendingChanges || got.Mission.Status != store.MissionInProgress {
		t.Errorf("mission after sync %+v", got.Mission)
	}
	t.Logf("✅ Offline start replayed and confirmed")
}

func TestIdempotentComplete(t *testing.T) {
	ta := newTestAgent(t, true, "m1")

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/missions/m1/complete", bytes.NewBufferString(`{"comments":"done"}`))
		req.Header.Set("Idempotency-Key", "k-1")
		return ta.do(t, req)
	}

	first := send()
	second := send()
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("codes %d %d", first.Code, second.Code)
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("second request should be replayed")
	}
	if ta.remote.completeCalls != 1 {
		t.Errorf("remote complete called %d times", ta.remote.completeCalls)
	}
}

func TestOnlineErrorsKeepStatus(t *testing.T) {
	ta := newTestAgent(t, true)

	rec := ta.do(t, httptest.NewRequest(http.MethodPost, "/missions/unknown/start", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from remote, got %d", rec.Code)
	}
	var depth struct {
		QueueDepth int `json:"queue_depth"`
	}
	decode(t, ta.do(t, httptest.NewRequest(http.MethodGet, "/sync/status", nil)), &depth)
	if depth.QueueDepth != 0 {
		t.Error("online failures must not be queued")
	}

	rec = ta.do(t, httptest.NewRequest(http.MethodGet, "/missions/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("uncached mission: got %d", rec.Code)
	}
}

func multipartBody(t *testing.T, names ...string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for _, n := range names {
		fw, err := mw.CreateFormFile("files", n)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte("jpeg-bytes-" + n))
	}
	mw.Close()
	return buf, mw.FormDataContentType()
}

func TestOfflinePhotoUpload(t *testing.T) {
	ta := newTestAgent(t, false, "m1")

	body, ct := multipartBody(t, "a.jpg", "b.jpg")
	req := httptest.NewRequest(http.MethodPost, "/missions/m1/photos/before", body)
	req.Header.Set("Content-Type", ct)
	rec := ta.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	var up struct {
		Photos []*store.Photo `json:"photos"`
		Queued bool           `json:"queued"`
	}
	decode(t, rec, &up)
	if !up.Queued || len(up.Photos) != 2 {
		t.Fatalf("expected two queued photos, got %+v", up)
	}

	var listed struct {
		Photos []*store.Photo `json:"photos"`
	}
	decode(t, ta.do(t, httptest.NewRequest(http.MethodGet, "/missions/m1/photos", nil)), &listed)
	if len(listed.Photos) != 2 {
		t.Errorf("cached photos = %d", len(listed.Photos))
	}

	body, ct = multipartBody(t, "c.jpg")
	req = httptest.NewRequest(http.MethodPost, "/missions/m1/photos/sideways", body)
	req.Header.Set("Content-Type", ct)
	if rec := ta.do(t, req); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid photo type: got %d", rec.Code)
	}
}

func TestDeadLetterRequeueUnknown(t *testing.T) {
	ta := newTestAgent(t, true)

	rec := ta.do(t, httptest.NewRequest(http.MethodPost, "/sync/dead-letters/42/requeue", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	rec = ta.do(t, httptest.NewRequest(http.MethodPost, "/sync/dead-letters/abc/requeue", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	var letters struct {
		DeadLetters []*store.DeadLetter `json:"dead_letters"`
	}
	decode(t, ta.do(t, httptest.NewRequest(http.MethodGet, "/sync/dead-letters", nil)), &letters)
	if letters.DeadLetters == nil || len(letters.DeadLetters) != 0 {
		t.Errorf("expected an empty list, got %+v", letters.DeadLetters)
	}
}

func TestLogoutPausesUntilSignIn(t *testing.T) {
	ta := newTestAgent(t, false, "m1")

	ta.do(t, httptest.NewRequest(http.MethodPost, "/missions/m1/start", nil))
	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.Header.Set("Authorization", "Bearer old")
	rec := ta.do(t, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: %d", rec.Code)
	}
	if ta.sched.Mode() != scheduler.ModePaused {
		t.Error("scheduler should pause on logout")
	}
	if _, err := ta.tokens.Token(context.Background()); err == nil {
		t.Error("token should be cleared")
	}

	var missions struct {
		Missions []*store.Mission `json:"missions"`
	}
	decode(t, ta.do(t, httptest.NewRequest(http.MethodGet, "/missions", nil)), &missions)
	if len(missions.Missions) != 0 {
		t.Errorf("cache should be empty after logout, got %d missions", len(missions.Missions))
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer new")
	ta.do(t, req)
	if ta.sched.Mode() != scheduler.ModeActive {
		t.Error("a new token should resume syncing")
	}
	if tok, _ := ta.tokens.Token(context.Background()); tok != "new" {
		t.Errorf("token = %q", tok)
	}
}

func TestDiagnosticsEntry(t *testing.T) {
	ta := newTestAgent(t, false, "m1")
	ta.do(t, httptest.NewRequest(http.MethodPost, "/missions/m1/start", nil))

	rec := ta.do(t, httptest.NewRequest(http.MethodGet, "/sync/diagnostics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("diagnostics: %d", rec.Code)
	}
	var report struct {
		DeviceID string              `json:"device_id"`
		Queue    []*store.QueueEntry `json:"queue"`
	}
	decode(t, rec, &report)
	if report.DeviceID != "dev-test" || len(report.Queue) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	id := report.Queue[0].ID
	rec = ta.do(t, httptest.NewRequest(http.MethodGet, "/sync/diagnostics?entry_id="+jsonInt(id), nil))
	if rec.Code != http.StatusOK {
		t.Errorf("entry diagnostics: %d", rec.Code)
	}
	rec = ta.do(t, httptest.NewRequest(http.MethodGet, "/sync/diagnostics?entry_id=9999", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown entry: %d", rec.Code)
	}
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
