package coordination

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/FieldSync/sync_agent/observability"
	"github.com/itskum47/FieldSync/sync_agent/store"
)

// ErrLeaseHeld is returned when another process is running a sync cycle.
var ErrLeaseHeld = errors.New("sync lease held by another process")

// SyncLease serializes sync cycles across every process sharing one store.
// While held it is renewed every ttl/4; after repeated renew failures, or if
// another holder took over, it is marked lost.
type SyncLease struct {
	coordinator store.Coordinator
	holderID    string
	key         string
	ttl         time.Duration

	mu     sync.RWMutex
	held   bool
	value  string // holder value written for the current acquisition
	cancel context.CancelFunc
	done   chan struct{}
}

type LeaseState struct {
	Held     bool   `json:"held"`
	HolderID string `json:"holder_id"`
	Key      string `json:"key"`
}

func NewSyncLease(c store.Coordinator, holderID string, ttl time.Duration) *SyncLease {
	return &SyncLease{
		coordinator: c,
		holderID:    holderID,
		key:         store.SyncLeaseKey,
		ttl:         ttl,
	}
}

// Acquire takes the lease and starts the renew loop.
// Returns ErrLeaseHeld if another holder owns a live lease.
func (l *SyncLease) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil
	}

	val := l.holderID + "/" + uuid.NewString()
	acquired, err := l.coordinator.AcquireLease(ctx, l.key, val, l.ttl)
	if err != nil {
		log.Printf("[LEASE] Failed to acquire sync lease: %v", err)
		return err
	}
	if !acquired {
		observability.LeaseEvents.WithLabelValues("contended").Inc()
		return ErrLeaseHeld
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	l.held = true
	l.value = val
	l.cancel = cancel
	l.done = make(chan struct{})
	observability.LeaseEvents.WithLabelValues("acquired").Inc()

	go l.renewLoop(loopCtx, val, l.done)
	return nil
}

// Held reports whether the lease is still owned by this process.
func (l *SyncLease) Held() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.held
}

func (l *SyncLease) State() LeaseState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaseState{Held: l.held, HolderID: l.holderID, Key: l.key}
}

// Release stops renewing and deletes the lease if still owned.
func (l *SyncLease) Release() {
	l.mu.Lock()
	cancel, done, val := l.cancel, l.done, l.value
	l.held = false
	l.value = ""
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	ctxt, cancelRelease := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelRelease()
	// Use ctxt (timeout context) for release, ignoring the caller's cancellation
	if err := l.coordinator.ReleaseLease(ctxt, l.key, val); err != nil {
		log.Printf("[LEASE] Release failed: %v", err)
	}
}

func (l *SyncLease) renewLoop(ctx context.Context, val string, done chan struct{}) {
	defer close(done)

	// Lost after at most ttl/2 without a successful renew, while the stored
	// lease is still ours.
	interval := l.ttl / 4
	renewFailures := 0
	const maxRenewFailures = 2

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			renewed, err := l.coordinator.RenewLease(ctx, l.key, val, l.ttl)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				renewFailures++
				log.Printf("[LEASE] Renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
				if renewFailures >= maxRenewFailures {
					log.Printf("[LEASE] Too many renew failures. Giving up the sync lease for safety.")
					l.markLost(val)
					return
				}
			} else if !renewed {
				log.Printf("[LEASE] Sync lease taken over by another holder")
				l.markLost(val)
				return
			} else {
				renewFailures = 0
			}
			timer.Reset(interval)
		}
	}
}

func (l *SyncLease) markLost(val string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.value == val {
		l.held = false
	}
	observability.LeaseEvents.WithLabelValues("lost").Inc()
}
