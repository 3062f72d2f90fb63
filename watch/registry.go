// Package watch lets callers block until a given seqno has been committed.
//
// A Registry keeps pending watches sorted by target seqno and resolves them by
// closing a per-watch channel when the committed watermark reaches the target.
// Registration and advancement both happen under the registry mutex, so a
// watch either sees the watermark that already satisfies it (and resolves at
// once) or is in the pending list when the next advance scans it. There is no
// window in which a wake-up can be lost.
package watch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/batchapply/event"
	"github.com/maxpert/batchapply/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrWatchTimeout is returned when a caller's wait expires
	ErrWatchTimeout = errors.New("watch timed out")
	// ErrWatchCancelled is returned when the pipeline stops before the target is reached
	ErrWatchCancelled = errors.New("watch cancelled")
)

// Registry tracks watches for committed seqnos
type Registry struct {
	mu        sync.Mutex
	watermark event.Header
	pending   []*Watch // sorted by target ascending
	cancelErr error    // non-nil once CancelAll ran
}

// NewRegistry creates an empty registry with no committed watermark
func NewRegistry() *Registry {
	return &Registry{
		watermark: event.NoHeader,
		pending:   make([]*Watch, 0),
	}
}

// WatchFor registers interest in seqno. The returned watch is already
// resolved when the watermark covers seqno or the registry was cancelled.
func (r *Registry) WatchFor(seqno int64) *Watch {
	w := newWatch(r, seqno)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelErr != nil {
		w.resolve(StateCancelled, event.NoHeader, r.cancelErr)
		telemetry.WatchResultsTotal.With("cancelled").Inc()
		return w
	}
	if !r.watermark.IsZero() && r.watermark.Seqno >= seqno {
		w.resolve(StateResolved, r.watermark, nil)
		telemetry.WatchResultsTotal.With("resolved").Inc()
		return w
	}

	i := sort.Search(len(r.pending), func(i int) bool {
		return r.pending[i].target > seqno
	})
	r.pending = append(r.pending, nil)
	copy(r.pending[i+1:], r.pending[i:])
	r.pending[i] = w
	telemetry.WatchesPending.Set(float64(len(r.pending)))

	return w
}

// OnWatermarkAdvanced resolves every watch whose target is at or below the
// new watermark. Headers that are not the last fragment or that do not move
// the watermark forward are ignored.
func (r *Registry) OnWatermarkAdvanced(h event.Header) {
	if !h.LastFrag {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.watermark.IsZero() && h.Seqno <= r.watermark.Seqno {
		return
	}
	r.watermark = h

	i := sort.Search(len(r.pending), func(i int) bool {
		return r.pending[i].target > h.Seqno
	})
	for j := 0; j < i; j++ {
		if r.pending[j].resolve(StateResolved, h, nil) {
			telemetry.WatchResultsTotal.With("resolved").Inc()
		}
	}
	r.pending = r.pending[i:]
	telemetry.WatchesPending.Set(float64(len(r.pending)))
}

// CancelAll fails every pending watch with reason and makes later
// registrations fail immediately.
func (r *Registry) CancelAll(reason error) {
	if reason == nil {
		reason = errors.New("pipeline shut down")
	}
	cause := fmt.Errorf("%w: %w", ErrWatchCancelled, reason)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelErr != nil {
		return
	}
	r.cancelErr = cause

	n := 0
	for _, w := range r.pending {
		if w.resolve(StateCancelled, event.NoHeader, cause) {
			n++
		}
	}
	r.pending = r.pending[:0]
	telemetry.WatchesPending.Set(0)
	telemetry.WatchResultsTotal.With("cancelled").Add(float64(n))

	if n > 0 {
		log.Info().Int("watches", n).Err(reason).Msg("Cancelled pending commit watches")
	}
}

// Watermark returns the highest header seen by the registry
func (r *Registry) Watermark() event.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark
}

// Len returns the number of pending watches
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// remove drops w from the pending list after a caller-side timeout
func (r *Registry) remove(w *Watch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for j, p := range r.pending {
		if p == w {
			r.pending = append(r.pending[:j], r.pending[j+1:]...)
			break
		}
	}
	telemetry.WatchesPending.Set(float64(len(r.pending)))
}
