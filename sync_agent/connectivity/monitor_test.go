package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itskum47/FieldSync/sync_agent/streaming"
)

type switchProber struct {
	mu  sync.Mutex
	err error
}

func (p *switchProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *switchProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func TestSetOnlineNotifiesOnTransitionsOnly(t *testing.T) {
	m := NewMonitor(nil, 0, nil, false)

	var got []bool
	unsubscribe := m.Subscribe(func(online bool) { got = append(got, online) })

	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)

	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("expected [true false], got %v", got)
	}

	unsubscribe()
	m.SetOnline(true)
	if len(got) != 2 {
		t.Error("listener called after unsubscribe")
	}
	if !m.IsOnline() {
		t.Error("state not updated")
	}
}

func TestTransitionsArePublished(t *testing.T) {
	bus := streaming.NewBus("test", 8)
	defer bus.Close()
	m := NewMonitor(nil, 0, bus, true)

	events := make(chan streaming.Event, 1)
	if _, err := bus.Subscribe(streaming.TopicConnectivity, func(e streaming.Event) { events <- e }); err != nil {
		t.Fatal(err)
	}

	m.SetOnline(false)
	select {
	case e := <-events:
		if string(e.Payload) == "" {
			t.Error("empty payload")
		}
		t.Logf("✅ published %s", e.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no connectivity event published")
	}
}

func TestProbeLoop(t *testing.T) {
	p := &switchProber{err: errors.New("dial tcp: connection refused")}
	m := NewMonitor(p, 20*time.Millisecond, nil, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	if m.IsOnline() {
		t.Fatal("initial probe failure must mark the monitor offline")
	}

	p.set(nil)
	deadline := time.Now().Add(2 * time.Second)
	for !m.IsOnline() {
		if time.Now().After(deadline) {
			t.Fatal("monitor never came back online")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusUnauthorized)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.URL+"/health", time.Second)
	if err := p.Probe(context.Background()); err != nil {
		t.Errorf("a 401 still proves the API is reachable: %v", err)
	}

	status.Store(http.StatusBadGateway)
	if err := p.Probe(context.Background()); err == nil {
		t.Error("5xx from a gateway must read as offline")
	}

	srv.Close()
	if err := p.Probe(context.Background()); err == nil {
		t.Error("closed server must read as offline")
	}
}
