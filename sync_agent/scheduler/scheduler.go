package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/engine"
	"github.com/itskum47/FieldSync/sync_agent/observability"
)

// Scheduler decides when sync cycles run. Every trigger goes through the
// engine's own guards; the scheduler only adds timing and coalescing.
type Scheduler struct {
	syncer  Syncer
	conn    Connectivity
	cfg     Config
	limiter RateLimiter

	// requests holds at most one pending trigger; extra requests coalesce.
	requests chan Trigger

	mu          sync.Mutex
	mode        Mode
	backoff     time.Duration
	retryTimer  *time.Timer
	settleTimer *time.Timer
	lastTrigger Trigger
	lastRunAt   time.Time
	lastResult  *engine.Result
}

func New(syncer Syncer, conn Connectivity, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.TriggerRate <= 0 {
		cfg.TriggerRate = def.TriggerRate
	}
	return &Scheduler{
		syncer:   syncer,
		conn:     conn,
		cfg:      cfg,
		limiter:  NewTokenBucketLimiter(cfg.TriggerRate, cfg.TriggerBurst),
		requests: make(chan Trigger, 1),
		mode:     ModeActive,
	}
}

// SetMode updates the scheduler operating mode.
func (s *Scheduler) SetMode(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == mode {
		return
	}
	s.mode = mode
	log.Printf("[SCHEDULER] Switched to %s mode", mode)
}

func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// RequestSync asks for a cycle without waiting for it.
// Returns false if a request is already pending.
func (s *Scheduler) RequestSync(trigger Trigger) bool {
	select {
	case s.requests <- trigger:
		return true
	default:
		logDecision(Decision{Component: "scheduler", Decision: "COALESCED", Trigger: string(trigger), Reason: "request already pending"})
		return false
	}
}

// Start subscribes to connectivity changes and runs the trigger loop until
// ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	unsubscribe := s.conn.Subscribe(func(online bool) { s.onConnectivity(ctx, online) })
	go func() {
		defer unsubscribe()
		s.loop(ctx)
	}()
}

func (s *Scheduler) loop(ctx context.Context) {
	startup := time.NewTimer(s.cfg.StartupDelay)
	defer startup.Stop()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	defer s.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return
		case <-startup.C:
			s.run(ctx, TriggerStartup)
		case <-ticker.C:
			s.run(ctx, TriggerPeriodic)
		case trigger := <-s.requests:
			s.run(ctx, trigger)
		}
	}
}

func (s *Scheduler) onConnectivity(ctx context.Context, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	if !online {
		// An in-flight cycle is left to finish; only pending retries stop.
		if s.retryTimer != nil {
			s.retryTimer.Stop()
			s.retryTimer = nil
		}
		return
	}

	s.settleTimer = time.AfterFunc(s.cfg.SettleDelay, func() {
		if ctx.Err() != nil || !s.conn.IsOnline() {
			return
		}
		s.RequestSync(TriggerOnline)
	})
}

func (s *Scheduler) run(ctx context.Context, trigger Trigger) {
	if ctx.Err() != nil {
		return
	}
	if !s.conn.IsOnline() {
		logDecision(Decision{Component: "scheduler", Decision: "SKIPPED_OFFLINE", Trigger: string(trigger)})
		return
	}
	if trigger != TriggerManual {
		if s.Mode() == ModePaused {
			logDecision(Decision{Component: "scheduler", Decision: "SKIPPED_PAUSED", Trigger: string(trigger)})
			return
		}
	}
	// Manual requests and reconnects always run; the settle delay already
	// absorbs flapping links.
	if trigger != TriggerManual && trigger != TriggerOnline {
		if ok, delay := s.limiter.Reserve(string(trigger)); !ok {
			logDecision(Decision{Component: "scheduler", Decision: "COALESCED", Trigger: string(trigger), DelayMS: delay.Milliseconds(), Reason: "trigger rate exceeded"})
			return
		}
	}

	logDecision(Decision{Component: "scheduler", Decision: "DISPATCH", Trigger: string(trigger)})
	observability.SyncTriggers.WithLabelValues(string(trigger)).Inc()

	res := s.syncer.Sync(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTrigger = trigger
	s.lastRunAt = time.Now().UTC()
	s.lastResult = &res

	switch res.Status {
	case engine.StatusCompleted:
		s.backoff = 0
		if s.retryTimer != nil {
			s.retryTimer.Stop()
			s.retryTimer = nil
		}
	case engine.StatusError:
		if s.conn.IsOnline() {
			s.scheduleRetryLocked(ctx)
		}
	}
}

func (s *Scheduler) scheduleRetryLocked(ctx context.Context) {
	s.backoff = nextBackoff(s.backoff, s.cfg.RetryBase, s.cfg.Interval)
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	delay := s.backoff
	s.retryTimer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		s.RequestSync(TriggerRetry)
	})
	logDecision(Decision{Component: "scheduler", Decision: "RETRY_SCHEDULED", Trigger: string(TriggerRetry), DelayMS: delay.Milliseconds()})
}

// nextBackoff doubles cur starting at base, capped at max.
func nextBackoff(cur, base, max time.Duration) time.Duration {
	next := base
	if cur > 0 {
		next = cur * 2
	}
	if max > 0 && next > max {
		next = max
	}
	return next
}

func (s *Scheduler) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
}

func logDecision(d Decision) {
	bytes, _ := json.Marshal(d)
	log.Printf("[SCHEDULER] %s", bytes)
}

// GetSnapshot returns the internal state for debugging.
func (s *Scheduler) GetSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Mode:            s.mode,
		LastTrigger:     s.lastTrigger,
		LastResult:      s.lastResult,
		RetryBackoff:    s.backoff,
		RetryPending:    s.retryTimer != nil,
		Interval:        s.cfg.Interval,
		PendingRequests: len(s.requests),
	}
	if !s.lastRunAt.IsZero() {
		at := s.lastRunAt
		snap.LastRunAt = &at
	}
	return snap
}
