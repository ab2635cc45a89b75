package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/connectivity"
	"github.com/itskum47/FieldSync/sync_agent/diagnostics"
	"github.com/itskum47/FieldSync/sync_agent/engine"
	"github.com/itskum47/FieldSync/sync_agent/hooks"
	"github.com/itskum47/FieldSync/sync_agent/idempotency"
	"github.com/itskum47/FieldSync/sync_agent/middleware"
	"github.com/itskum47/FieldSync/sync_agent/remote"
	"github.com/itskum47/FieldSync/sync_agent/resilience"
	"github.com/itskum47/FieldSync/sync_agent/scheduler"
	"github.com/itskum47/FieldSync/sync_agent/store"
	"github.com/itskum47/FieldSync/sync_agent/streaming"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxUploadBytes = 64 << 20
	maxJSONBytes   = 1 << 20
)

// API serves the local surface the PWA talks to.
type API struct {
	hooks     *hooks.Hooks
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	monitor   *connectivity.Monitor
	cache     *resilience.Cache
	backend   store.Backend
	tokens    *remote.StaticToken
	deviceID  string

	idempotency *idempotency.Store
	statusHub   *StatusHub
}

func NewAPI(h *hooks.Hooks, e *engine.Engine, sched *scheduler.Scheduler, mon *connectivity.Monitor, cache *resilience.Cache, backend store.Backend, tokens *remote.StaticToken, idem *idempotency.Store, bus *streaming.Bus, deviceID string) *API {
	a := &API{
		hooks:       h,
		engine:      e,
		scheduler:   sched,
		monitor:     mon,
		cache:       cache,
		backend:     backend,
		tokens:      tokens,
		deviceID:    deviceID,
		idempotency: idem,
	}
	a.statusHub = NewStatusHub(bus, func() interface{} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return a.statusSnapshot(ctx)
	})
	return a
}

// Handler returns the full middleware chain. A captured bearer token resumes
// automatic syncing after a logout.
func (a *API) Handler(allowedOrigins []string) http.Handler {
	mux := a.routes()
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = middleware.TokenCapture(a.tokens, func() {
		if a.scheduler.Mode() == scheduler.ModePaused {
			a.scheduler.SetMode(scheduler.ModeActive)
		}
	})(handler)
	return middleware.CORS(allowedOrigins)(handler)
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the stored response when the UI retries a write
// with the same Idempotency-Key.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}
		key = r.Method + " " + r.URL.Path + " " + key

		if resp, found := a.idempotency.Get(key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header().Clone(),
		})
	}
}

func (a *API) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /missions", a.handleListMissions)
	mux.HandleFunc("GET /missions/{id}", a.handleGetMission)
	mux.HandleFunc("POST /missions/{id}/start", a.withIdempotency(a.handleStartMission))
	mux.HandleFunc("POST /missions/{id}/complete", a.withIdempotency(a.handleCompleteMission))
	mux.HandleFunc("GET /missions/{id}/photos", a.handleListPhotos)
	mux.HandleFunc("POST /missions/{id}/photos/{type}", a.withIdempotency(a.handleUploadPhotos))

	mux.HandleFunc("GET /notifications", a.handleListNotifications)
	mux.HandleFunc("PATCH /notifications/{id}/read", a.withIdempotency(a.handleMarkRead))

	mux.HandleFunc("POST /sync", a.handleSync)
	mux.HandleFunc("GET /sync/status", a.handleSyncStatus)
	mux.HandleFunc("GET /sync/stream", a.handleSyncStream)
	mux.HandleFunc("GET /sync/timeline", a.handleTimeline)
	mux.HandleFunc("GET /sync/dead-letters", a.handleListDeadLetters)
	mux.HandleFunc("POST /sync/dead-letters/{id}/requeue", a.handleRequeue)
	mux.HandleFunc("GET /sync/diagnostics", a.handleDiagnostics)

	mux.HandleFunc("POST /logout", a.handleLogout)
	mux.HandleFunc("GET /health", a.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// writeFailure maps an error from the hooks to a status code.
func writeFailure(w http.ResponseWriter, err error) {
	var apiErr *remote.APIError
	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "Sign in again to continue")
	case errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 600:
		writeError(w, apiErr.Status, apiErr.Message)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// waitRequested reports whether the caller asked to wait for the refresh.
func waitRequested(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return v
}

// awaitRefresh waits for a background refresh when asked to. It returns the
// refresh error to surface, ignoring the offline case.
func awaitRefresh(r *http.Request, refresh *hooks.Refresh) string {
	if !waitRequested(r) {
		return ""
	}
	if err := refresh.Wait(r.Context()); err != nil && !errors.Is(err, hooks.ErrOffline) {
		return err.Error()
	}
	return ""
}

func (a *API) handleListMissions(w http.ResponseWriter, r *http.Request) {
	missions, refresh := a.hooks.Missions(r.Context())
	resp := map[string]interface{}{"online": a.monitor.IsOnline()}
	if msg := awaitRefresh(r, refresh); msg != "" {
		resp["refresh_error"] = msg
	}
	if waitRequested(r) {
		missions = a.cache.Missions(r.Context())
	}
	if missions == nil {
		missions = []*store.Mission{}
	}
	resp["missions"] = missions
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetMission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, refresh := a.hooks.Mission(r.Context(), id)
	msg := awaitRefresh(r, refresh)
	if waitRequested(r) {
		m = a.cache.Mission(r.Context(), id)
	}
	if m == nil {
		if msg != "" {
			writeError(w, http.StatusBadGateway, msg)
			return
		}
		writeError(w, http.StatusNotFound, "Mission not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mission": m})
}

func (a *API) handleStartMission(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var raw json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		raw = body
	}

	m, err := a.hooks.StartMission(r.Context(), r.PathValue("id"), raw)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mission": m, "queued": m.HasPendingChanges})
}

func (a *API) handleCompleteMission(w http.ResponseWriter, r *http.Request) {
	var req remote.CompleteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	m, err := a.hooks.CompleteMission(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mission": m, "queued": m.HasPendingChanges})
}

func (a *API) handleListPhotos(w http.ResponseWriter, r *http.Request) {
	photos := a.hooks.Photos(r.Context(), r.PathValue("id"))
	if photos == nil {
		photos = []*store.Photo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"photos": photos})
}

func (a *API) handleUploadPhotos(w http.ResponseWriter, r *http.Request) {
	t := store.PhotoType(r.PathValue("type"))
	if !t.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid photo type %q", t))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files, err := readFiles(r.MultipartForm.File["files"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "No files in field \"files\"")
		return
	}

	photos, err := a.hooks.UploadPhotos(r.Context(), r.PathValue("id"), t, files)
	if err != nil {
		writeFailure(w, err)
		return
	}
	queued := len(photos) > 0 && photos[0].ID.IsLocal()
	writeJSON(w, http.StatusOK, map[string]interface{}{"photos": photos, "queued": queued})
}

func readFiles(headers []*multipart.FileHeader) ([]remote.File, error) {
	files := make([]remote.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		ct := fh.Header.Get("Content-Type")
		if ct == "" || ct == "application/octet-stream" {
			ct = http.DetectContentType(data)
		}
		files = append(files, remote.File{Name: fh.Filename, ContentType: ct, Data: data})
	}
	return files, nil
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	notifications, refresh := a.hooks.Notifications(r.Context())
	resp := map[string]interface{}{"online": a.monitor.IsOnline()}
	if msg := awaitRefresh(r, refresh); msg != "" {
		resp["refresh_error"] = msg
	}
	if waitRequested(r) {
		notifications = a.cache.Notifications(r.Context())
	}
	if notifications == nil {
		notifications = []*store.Notification{}
	}
	resp["notifications"] = notifications
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := a.hooks.MarkNotificationRead(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notification": n, "queued": n.HasPendingRead})
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	res := a.hooks.Sync(r.Context())
	writeJSON(w, http.StatusOK, res)
}

func (a *API) statusSnapshot(ctx context.Context) map[string]interface{} {
	depth, err := a.engine.Queue().Depth(ctx)
	if err != nil {
		depth = -1
	}
	letters, err := a.engine.Queue().DeadLetters(ctx)
	if err != nil {
		letters = nil
	}
	return map[string]interface{}{
		"status":       a.engine.Status(),
		"online":       a.monitor.IsOnline(),
		"last_result":  a.engine.LastResult(),
		"settings":     a.cache.Settings(ctx),
		"queue_depth":  depth,
		"dead_letters": len(letters),
		"lease":        a.engine.LeaseState(),
		"cache":        a.cache.HealthCheck(),
		"scheduler":    a.scheduler.GetSnapshot(),
	}
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.statusSnapshot(r.Context()))
}

func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	tl := a.engine.Timeline()
	q := r.URL.Query()
	switch {
	case q.Get("entry_id") != "":
		id, err := strconv.ParseInt(q.Get("entry_id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid entry_id")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": tl.GetEvents(id)})
	case q.Get("cycle_id") != "":
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": tl.GetCycle(q.Get("cycle_id"))})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": tl.GetAllEvents()})
	}
}

func (a *API) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := a.engine.Queue().DeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if letters == nil {
		letters = []*store.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": letters})
}

func (a *API) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid dead letter id")
		return
	}
	entry, err := a.engine.Requeue(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Dead letter not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if a.monitor.IsOnline() {
		a.scheduler.RequestSync(scheduler.TriggerManual)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entry": entry})
}

func (a *API) diagnosticSources() diagnostics.Sources {
	return diagnostics.Sources{
		DeviceID:    a.deviceID,
		Store:       a.backend,
		Coordinator: a.backend,
		Timeline:    a.engine.Timeline(),
		IsOnline:    a.monitor.IsOnline,
		CacheHealth: a.cache.HealthCheck,
		Scheduler:   func() interface{} { return a.scheduler.GetSnapshot() },
	}
}

func (a *API) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("entry_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid entry_id")
			return
		}
		report, err := diagnostics.CaptureEntry(r.Context(), a.diagnosticSources(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if report == nil {
			writeError(w, http.StatusNotFound, "Entry not found")
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	report := diagnostics.Capture(r.Context(), a.diagnosticSources())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=fieldsync-%s.json", report.CapturedAt.Format("20060102-150405")))
	writeJSON(w, http.StatusOK, report)
}

// handleLogout wipes local data and forgets the token. Automatic syncing
// pauses until the UI signs in again.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.hooks.ClearCache(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.tokens.Clear()
	a.idempotency.Clear()
	a.scheduler.SetMode(scheduler.ModePaused)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := "ok"
	if a.cache.IsDegraded() {
		state = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  state,
		"online":  a.monitor.IsOnline(),
		"device":  a.deviceID,
		"streams": a.statusHub.ClientCount(),
	})
}
