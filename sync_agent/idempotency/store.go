package idempotency

import (
	"sync"
	"time"
)

// Response is a captured HTTP response replayed for a repeated key.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Store remembers responses to write requests by client-supplied key, so a
// UI retrying a POST after a dropped connection does not repeat the mutation.
type Store struct {
	cache sync.Map
	ttl   time.Duration
}

type entry struct {
	resp      Response
	timestamp time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{ttl: ttl}
}

func (s *Store) Get(key string) (Response, bool) {
	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.timestamp) > s.ttl {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

// Set stores resp under key. Only successful responses are kept; a failed
// request may be retried for real.
func (s *Store) Set(key string, resp Response) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}
	s.cache.Store(key, entry{
		resp:      resp,
		timestamp: time.Now(),
	})
}

// Sweep drops expired entries and returns how many were removed.
func (s *Store) Sweep() int {
	removed := 0
	s.cache.Range(func(k, v interface{}) bool {
		if time.Since(v.(entry).timestamp) > s.ttl {
			s.cache.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

// Clear forgets every key.
func (s *Store) Clear() {
	s.cache.Range(func(k, _ interface{}) bool {
		s.cache.Delete(k)
		return true
	})
}
