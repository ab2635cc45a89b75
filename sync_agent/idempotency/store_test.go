package idempotency

import (
	"testing"
	"time"
)

func TestStore(t *testing.T) {
	s := NewStore(50 * time.Millisecond)

	s.Set("ok", Response{StatusCode: 201, Body: []byte(`{"id":"p1"}`)})
	s.Set("failed", Response{StatusCode: 502})

	if resp, ok := s.Get("ok"); !ok || string(resp.Body) != `{"id":"p1"}` {
		t.Errorf("expected stored response, got %+v %v", resp, ok)
	}
	if _, ok := s.Get("failed"); ok {
		t.Error("failed responses must not be replayed")
	}

	time.Sleep(80 * time.Millisecond)
	if n := s.Sweep(); n != 1 {
		t.Errorf("expected 1 expired entry, swept %d", n)
	}
	if _, ok := s.Get("ok"); ok {
		t.Error("expired entry replayed")
	}
}
