package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/itskum47/FieldSync/sync_agent/observability"
	"github.com/itskum47/FieldSync/sync_agent/streaming"
)

const maxWSConnections = 32

// StatusHub pushes sync status and connectivity events to UI tabs.
// Single broadcaster: only the Run loop writes data frames.
type StatusHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan streaming.Event
	done       chan struct{}
	mu         sync.RWMutex

	bus      *streaming.Bus
	snapshot func() interface{}
}

// NewStatusHub creates a hub fed by bus. snapshot builds the message sent to
// a client right after it connects.
func NewStatusHub(bus *streaming.Bus, snapshot func() interface{}) *StatusHub {
	return &StatusHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan streaming.Event, 64),
		done:       make(chan struct{}),
		bus:        bus,
		snapshot:   snapshot,
	}
}

// Run starts the hub's main loop.
func (h *StatusHub) Run(ctx context.Context) {
	var subs []streaming.Subscription
	for _, topic := range []string{streaming.TopicSyncStatus, streaming.TopicConnectivity} {
		sub, err := h.bus.Subscribe(topic, h.forward)
		if err != nil {
			log.Printf("[STREAMING] hub subscribe %s: %v", topic, err)
			continue
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("[STREAMING] WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(count))

			if h.snapshot != nil {
				h.write(conn, map[string]interface{}{"topic": "snapshot", "payload": h.snapshot()})
			}

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(count))

		case ev := <-h.events:
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.mu.RUnlock()
			for _, conn := range conns {
				h.write(conn, ev)
			}
		}
	}
}

func (h *StatusHub) forward(ev streaming.Event) {
	select {
	case h.events <- ev:
	default:
		log.Printf("[STREAMING] hub backlog full, event %s dropped", ev.ID)
	}
}

func (h *StatusHub) write(conn *websocket.Conn, v interface{}) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		log.Printf("[STREAMING] WebSocket write error: %v", err)
		go h.Unregister(conn)
	}
}

func (h *StatusHub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	observability.StreamClients.Set(0)
}

func (h *StatusHub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

func (h *StatusHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *StatusHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
