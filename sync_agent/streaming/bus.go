package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("streaming: bus closed")

// Bus is an in-process Publisher/Subscriber.
// Events are delivered asynchronously through a buffered channel per
// subscriber; when a subscriber falls behind its events are dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscription
	bufferSize  int
	source      string
	closed      bool
}

type subscription struct {
	bus   *Bus
	topic string
	ch    chan Event
	once  sync.Once
}

func NewBus(source string, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string][]*subscription),
		bufferSize:  bufferSize,
		source:      source,
	}
}

func (b *Bus) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Source:    b.source,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subscribers[topic] {
		select {
		case sub.ch <- event:
		default:
			log.Printf("[STREAMING] subscriber on %s is slow, event %s dropped", topic, event.ID)
		}
	}
	return nil
}

func (b *Bus) Subscribe(topic string, handler func(event Event)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &subscription{bus: b, topic: topic, ch: make(chan Event, b.bufferSize)}
	b.subscribers[topic] = append(b.subscribers[topic], sub)

	go func() {
		for event := range sub.ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("[STREAMING] subscriber on %s panicked: %v", topic, r)
					}
				}()
				handler(event)
			}()
		}
	}()
	return sub, nil
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscribers[s.topic]
	for i, other := range subs {
		if other == s {
			s.bus.subscribers[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.once.Do(func() { close(s.ch) })
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subscribers {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(b.subscribers, topic)
	}
	b.closed = true
	return nil
}
