package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/FieldSync/sync_agent/coordination"
	"github.com/itskum47/FieldSync/sync_agent/observability"
	"github.com/itskum47/FieldSync/sync_agent/queue"
	"github.com/itskum47/FieldSync/sync_agent/remote"
	"github.com/itskum47/FieldSync/sync_agent/resilience"
	"github.com/itskum47/FieldSync/sync_agent/store"
	"github.com/itskum47/FieldSync/sync_agent/streaming"
	"github.com/itskum47/FieldSync/sync_agent/timeline"
	"golang.org/x/sync/errgroup"
)

// Engine drains the sync queue against the remote API and refreshes the
// local store. At most one cycle runs per process (in-memory guard) and per
// shared store (sync lease).
type Engine struct {
	store    store.Store
	queue    *queue.Queue
	api      remote.API
	conn     Connectivity
	lease    *coordination.SyncLease
	bus      *streaming.Bus
	timeline *timeline.Store
	cfg      Config

	mu      sync.Mutex
	running bool
	status  Status
	last    *Result
}

func New(b store.Backend, api remote.API, conn Connectivity, bus *streaming.Bus, tl *timeline.Store, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.HolderID == "" {
		cfg.HolderID = def.HolderID
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if bus == nil {
		bus = streaming.NewBus("engine", 0)
	}
	if tl == nil {
		tl = timeline.NewStore(0)
	}
	return &Engine{
		store:    b,
		queue:    queue.New(b),
		api:      api,
		conn:     conn,
		lease:    coordination.NewSyncLease(b, cfg.HolderID, cfg.LeaseTTL),
		bus:      bus,
		timeline: tl,
		cfg:      cfg,
		status:   StatusIdle,
	}
}

// Queue exposes the queue the engine drains.
func (e *Engine) Queue() *queue.Queue { return e.queue }

func (e *Engine) Timeline() *timeline.Store { return e.timeline }

func (e *Engine) LeaseState() coordination.LeaseState { return e.lease.State() }

// Status returns syncing while a cycle runs, else the last final status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastResult returns the result of the last finished cycle, or nil.
func (e *Engine) LastResult() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return nil
	}
	r := *e.last
	return &r
}

// OnStatusChange registers fn for every status transition.
// Delivery is asynchronous. Returns an unsubscribe function.
func (e *Engine) OnStatusChange(fn func(StatusChange)) func() {
	sub, err := e.bus.Subscribe(streaming.TopicSyncStatus, func(ev streaming.Event) {
		var change StatusChange
		if err := json.Unmarshal(ev.Payload, &change); err != nil {
			log.Printf("[ENGINE] bad status event: %v", err)
			return
		}
		fn(change)
	})
	if err != nil {
		return func() {}
	}
	return func() { sub.Unsubscribe() }
}

func (e *Engine) setStatus(s Status, r *Result) {
	e.mu.Lock()
	e.status = s
	if r != nil {
		c := *r
		e.last = &c
	}
	e.mu.Unlock()

	if err := e.bus.Publish(context.Background(), streaming.TopicSyncStatus, StatusChange{Status: s, Result: r, At: time.Now().UTC()}); err != nil {
		log.Printf("[ENGINE] status publish failed: %v", err)
	}
}

// Sync runs one cycle. It never blocks on another cycle: if one is running in
// this process or under the shared lease, it returns a syncing result at once.
func (e *Engine) Sync(ctx context.Context) Result {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		observability.SyncSkipped.WithLabelValues("in_progress").Inc()
		return Result{Status: StatusSyncing, Errors: []string{}}
	}
	if !e.conn.IsOnline() {
		e.mu.Unlock()
		observability.SyncSkipped.WithLabelValues("offline").Inc()
		return Result{Status: StatusError, ErrorCount: 1, Errors: []string{ErrNoConnectivity.Error()}}
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if err := e.lease.Acquire(ctx); err != nil {
		if errors.Is(err, coordination.ErrLeaseHeld) {
			log.Printf("[ENGINE] Another process holds the sync lease, skipping cycle")
			observability.SyncSkipped.WithLabelValues("lease_held").Inc()
			return Result{Status: StatusSyncing, Errors: []string{}}
		}
		return Result{Status: StatusError, ErrorCount: 1, Errors: []string{"sync lease: " + err.Error()}}
	}
	defer e.lease.Release()

	return e.runCycle(ctx)
}

func (e *Engine) runCycle(ctx context.Context) Result {
	res := Result{
		CycleID:   uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Errors:    []string{},
	}
	e.setStatus(StatusSyncing, nil)
	e.timeline.Record(timeline.SyncEvent{CycleID: res.CycleID, Stage: timeline.StageCycleStarted})
	e.markInProgress(ctx)

	entries, err := e.queue.InPriorityOrder(ctx)
	if err != nil {
		res.fail("read sync queue: " + err.Error())
	} else if len(entries) > 0 {
		log.Printf("[ENGINE] Cycle %s: replaying %d queued mutations", res.CycleID, len(entries))
	}

	for _, entry := range entries {
		if !e.lease.Held() {
			res.fail("sync lease lost, remaining entries deferred")
			break
		}
		if ctx.Err() != nil {
			res.fail("sync cancelled: " + ctx.Err().Error())
			break
		}
		e.processEntry(ctx, res.CycleID, entry, &res)
	}

	if ctx.Err() == nil {
		e.download(ctx, res.CycleID, &res)
	}
	e.finishSettings(ctx, res.ErrorCount)

	res.FinishedAt = time.Now().UTC()
	res.Status = StatusCompleted
	if res.ErrorCount > 0 {
		res.Status = StatusError
	}

	duration := res.FinishedAt.Sub(res.StartedAt)
	observability.SyncCycles.WithLabelValues(string(res.Status)).Inc()
	observability.SyncCycleDuration.Observe(duration.Seconds())
	e.timeline.Record(timeline.SyncEvent{
		CycleID: res.CycleID,
		Stage:   timeline.StageCycleFinished,
		Metadata: map[string]string{
			"status":    string(res.Status),
			"synced":    strconv.Itoa(res.SyncedCount),
			"errors":    strconv.Itoa(res.ErrorCount),
			"abandoned": strconv.Itoa(res.AbandonedCount),
		},
	})
	log.Printf("[ENGINE] Cycle %s finished (%s): %d synced, %d errors, %d abandoned in %v",
		res.CycleID, res.Status, res.SyncedCount, res.ErrorCount, res.AbandonedCount, duration.Round(time.Millisecond))

	e.setStatus(res.Status, &res)
	return res
}

func (e *Engine) markInProgress(ctx context.Context) {
	st, err := e.store.GetSettings(ctx)
	if err != nil {
		log.Printf("[ENGINE] read settings: %v", err)
		st = &store.Settings{ID: store.SettingsID}
	}
	st.SyncInProgress = true
	if err := e.store.PutSettings(ctx, st); err != nil {
		log.Printf("[ENGINE] write settings: %v", err)
	}
}

func (e *Engine) finishSettings(ctx context.Context, errorCount int) {
	// The cycle may have been cancelled; the bookkeeping must still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	st, err := e.store.GetSettings(ctx)
	if err != nil {
		log.Printf("[ENGINE] read settings: %v", err)
		st = &store.Settings{ID: store.SettingsID}
	}
	now := time.Now().UTC()
	st.SyncInProgress = false
	st.LastSyncAt = &now
	st.SyncErrorCount = errorCount
	if err := e.store.PutSettings(ctx, st); err != nil {
		log.Printf("[ENGINE] write settings: %v", err)
	}
}

func (e *Engine) processEntry(ctx context.Context, cycleID string, entry *store.QueueEntry, res *Result) {
	ev := timeline.SyncEvent{CycleID: cycleID, EntryID: entry.ID, EntryType: string(entry.Type), EntityID: entry.EntityID}
	record := func(stage string, meta map[string]string) {
		ev.Stage = stage
		ev.Metadata = meta
		ev.Timestamp = time.Time{}
		e.timeline.Record(ev)
	}
	record(timeline.StageDispatched, map[string]string{"attempt": strconv.Itoa(entry.RetryCount + 1)})

	err := e.dispatch(ctx, entry)
	if err == nil {
		if rerr := e.queue.Remove(ctx, entry.ID); rerr != nil {
			// Replay is idempotent; the entry will be confirmed again next cycle
			log.Printf("[ENGINE] Entry %d confirmed but not removed: %v", entry.ID, rerr)
		}
		res.SyncedCount++
		observability.QueueEntriesProcessed.WithLabelValues(string(entry.Type), "confirmed").Inc()
		record(timeline.StageConfirmed, nil)
		return
	}

	msg := err.Error()
	res.fail(fmt.Sprintf("%s %s: %s", entry.Type, entry.EntityID, msg))
	observability.QueueEntriesProcessed.WithLabelValues(string(entry.Type), "failed").Inc()

	updated, rerr := e.queue.RecordFailure(ctx, entry.ID, msg)
	if rerr != nil {
		log.Printf("[ENGINE] Failed to record failure of entry %d: %v", entry.ID, rerr)
		return
	}
	record(timeline.StageFailed, map[string]string{"error": msg, "retry_count": strconv.Itoa(updated.RetryCount)})

	if updated.RetryCount < e.cfg.MaxRetries {
		log.Printf("[ENGINE] Entry %d (%s %s) failed (%d/%d): %s", entry.ID, entry.Type, entry.EntityID, updated.RetryCount, e.cfg.MaxRetries, msg)
		return
	}

	if _, aerr := e.queue.Abandon(ctx, entry.ID); aerr != nil {
		log.Printf("[ENGINE] Failed to abandon entry %d: %v", entry.ID, aerr)
		return
	}
	res.AbandonedCount++
	observability.QueueEntriesProcessed.WithLabelValues(string(entry.Type), "abandoned").Inc()
	record(timeline.StageAbandoned, map[string]string{"last_error": msg})
	log.Printf("[ENGINE] Entry %d (%s %s) abandoned after %d attempts, last error: %s", entry.ID, entry.Type, entry.EntityID, updated.RetryCount, msg)
	e.onAbandoned(ctx, entry)
}

func (e *Engine) download(ctx context.Context, cycleID string, res *Result) {
	var missions []*store.Mission
	var notifications []*store.Notification

	var g errgroup.Group
	g.Go(func() error {
		var err error
		missions, err = e.api.ListMissions(ctx)
		if err != nil {
			return fmt.Errorf("download missions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		notifications, err = e.api.ListNotifications(ctx)
		if err != nil {
			return fmt.Errorf("download notifications: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		res.fail(err.Error())
	}

	pending, err := e.pendingByEntity(ctx)
	if err != nil {
		log.Printf("[ENGINE] read queue for pending flags: %v", err)
		pending = map[string]int{}
	}

	stored := 0
	for _, m := range missions {
		if m == nil {
			continue
		}
		if err := e.store.PutMission(ctx, resilience.ServerWins(m, pending[missionKey(m.ID)] > 0)); err != nil {
			log.Printf("[ENGINE] store mission %s: %v", m.ID, err)
			continue
		}
		stored++
	}
	for _, n := range notifications {
		if n == nil {
			continue
		}
		if err := e.store.PutNotification(ctx, resilience.ServerWinsNotification(n, pending[notificationKey(n.ID)] > 0)); err != nil {
			log.Printf("[ENGINE] store notification %s: %v", n.ID, err)
			continue
		}
		stored++
	}

	e.timeline.Record(timeline.SyncEvent{
		CycleID: cycleID,
		Stage:   timeline.StageDownloaded,
		Metadata: map[string]string{
			"missions":      strconv.Itoa(len(missions)),
			"notifications": strconv.Itoa(len(notifications)),
			"stored":        strconv.Itoa(stored),
		},
	})
}

func missionKey(id string) string      { return "mission:" + id }
func notificationKey(id string) string { return "notification:" + id }

// pendingByEntity counts queued mutations per mission and notification.
// Photo uploads do not mark their mission as pending.
func (e *Engine) pendingByEntity(ctx context.Context) (map[string]int, error) {
	entries, err := e.queue.InPriorityOrder(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, entry := range entries {
		switch entry.Type {
		case store.EntryMissionStart, store.EntryMissionComplete:
			counts[missionKey(entry.EntityID)]++
		case store.EntryNotificationRead:
			counts[notificationKey(entry.EntityID)]++
		}
	}
	return counts, nil
}

// stillPending reports whether mutations other than exclude remain for key.
func (e *Engine) stillPending(ctx context.Context, key string, exclude int64) bool {
	entries, err := e.queue.InPriorityOrder(ctx)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.ID == exclude {
			continue
		}
		switch entry.Type {
		case store.EntryMissionStart, store.EntryMissionComplete:
			if missionKey(entry.EntityID) == key {
				return true
			}
		case store.EntryNotificationRead:
			if notificationKey(entry.EntityID) == key {
				return true
			}
		}
	}
	return false
}
