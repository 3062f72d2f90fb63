package watch

import (
	"context"
	"sync"
	"time"

	"github.com/maxpert/batchapply/event"
	"github.com/maxpert/batchapply/telemetry"
)

// State is the resolution state of a watch
type State int

const (
	StatePending State = iota
	StateResolved
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Watch is a completion handle for one target seqno
type Watch struct {
	registry *Registry
	target   int64
	created  time.Time
	done     chan struct{}

	mu      sync.Mutex
	state   State
	header  event.Header
	err     error
	waiters int
}

func newWatch(r *Registry, target int64) *Watch {
	return &Watch{
		registry: r,
		target:   target,
		created:  time.Now(),
		done:     make(chan struct{}),
		state:    StatePending,
		header:   event.NoHeader,
	}
}

// resolve moves the watch to a terminal state. Only the first call wins.
func (w *Watch) resolve(state State, h event.Header, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resolveLocked(state, h, err)
}

func (w *Watch) resolveLocked(state State, h event.Header, err error) bool {
	if w.state != StatePending {
		return false
	}
	w.state = state
	w.header = h
	w.err = err
	close(w.done)
	return true
}

// Wait blocks until the watch resolves or ctx ends. When ctx ends first only
// this caller gets ErrWatchTimeout; the watch is marked timed out and removed
// from its registry once no other caller is still waiting on it.
func (w *Watch) Wait(ctx context.Context) (event.Header, error) {
	w.mu.Lock()
	w.waiters++
	w.mu.Unlock()

	select {
	case <-w.done:
		w.mu.Lock()
		w.waiters--
		w.mu.Unlock()
		return w.Result()
	case <-ctx.Done():
	}

	w.mu.Lock()
	w.waiters--
	if w.state != StatePending {
		defer w.mu.Unlock()
		return w.header, w.err
	}
	abandoned := w.waiters == 0 && w.resolveLocked(StateTimedOut, event.NoHeader, ErrWatchTimeout)
	w.mu.Unlock()

	if abandoned {
		w.registry.remove(w)
		telemetry.WatchResultsTotal.With("timed_out").Inc()
	}
	return event.NoHeader, ErrWatchTimeout
}

// WaitTimeout is Wait with a relative deadline
func (w *Watch) WaitTimeout(d time.Duration) (event.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return w.Wait(ctx)
}

// Result returns the outcome without blocking
func (w *Watch) Result() (event.Header, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.header, w.err
}

// Done is closed once the watch leaves the pending state
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// State returns the current resolution state
func (w *Watch) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Target returns the seqno being waited for
func (w *Watch) Target() int64 {
	return w.target
}

// Created returns when the watch was registered
func (w *Watch) Created() time.Time {
	return w.created
}
