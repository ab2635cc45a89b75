package connectivity

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/observability"
	"github.com/itskum47/FieldSync/sync_agent/streaming"
)

// Prober checks whether the remote API is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber treats any HTTP response from URL as reachable.
// Only transport failures count as offline.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: HTTP %d", p.URL, resp.StatusCode)
	}
	return nil
}

// Change is the payload published on the connectivity topic.
type Change struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Monitor tracks the online flag and notifies listeners of transitions.
type Monitor struct {
	prober   Prober
	interval time.Duration
	bus      *streaming.Bus

	mu        sync.RWMutex
	online    bool
	changedAt time.Time
	listeners map[int]func(bool)
	nextID    int
}

// NewMonitor starts in the given state. bus may be nil.
func NewMonitor(prober Prober, interval time.Duration, bus *streaming.Bus, initial bool) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m := &Monitor{
		prober:    prober,
		interval:  interval,
		bus:       bus,
		online:    initial,
		changedAt: time.Now().UTC(),
		listeners: make(map[int]func(bool)),
	}
	if initial {
		observability.Online.Set(1)
	} else {
		observability.Online.Set(0)
	}
	return m
}

func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Since returns when the current state was entered.
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

// SetOnline records an explicit state. Listeners only hear about transitions.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.changedAt = time.Now().UTC()
	at := m.changedAt
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	state := "offline"
	if online {
		state = "online"
		observability.Online.Set(1)
	} else {
		observability.Online.Set(0)
	}
	observability.ConnectivityTransitions.WithLabelValues(state).Inc()
	log.Printf("[CONNECTIVITY] Remote API is now %s", state)

	if m.bus != nil {
		if err := m.bus.Publish(context.Background(), streaming.TopicConnectivity, Change{Online: online, At: at}); err != nil {
			log.Printf("[CONNECTIVITY] publish failed: %v", err)
		}
	}
	for _, fn := range listeners {
		fn(online)
	}
}

// Subscribe registers fn for transitions. fn runs on the caller of SetOnline
// and must not block. Returns an unsubscribe function.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Start probes immediately and then every interval until ctx is done.
// Without a prober the state only changes through SetOnline.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil {
		return
	}
	m.probe(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	err := m.prober.Probe(probeCtx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil && m.IsOnline() {
		log.Printf("[CONNECTIVITY] Probe failed: %v", err)
	}
	m.SetOnline(err == nil)
}
