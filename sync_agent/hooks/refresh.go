package hooks

import (
	"context"
	"errors"
)

// ErrOffline is reported by Refresh.Wait when no fetch was started because
// the remote API is unreachable.
var ErrOffline = errors.New("offline: serving cached data")

// Refresh tracks a background fetch started by a read.
type Refresh struct {
	done chan struct{}
	err  error
}

func newRefresh() *Refresh {
	return &Refresh{done: make(chan struct{})}
}

func offlineRefresh() *Refresh {
	r := newRefresh()
	r.finish(ErrOffline)
	return r
}

func (r *Refresh) finish(err error) {
	r.err = err
	close(r.done)
}

// Done is closed when the fetch has finished.
func (r *Refresh) Done() <-chan struct{} { return r.done }

// Wait blocks until the fetch finishes and returns its error.
func (r *Refresh) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
