// Package store provides the bounded, ordered hand-off queue between
// pipeline stages together with the committed watermark of what the reading
// stage has fully processed.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/maxpert/batchapply/event"
	"github.com/maxpert/batchapply/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrClosedStore is returned by operations on a store that has been closed
var ErrClosedStore = errors.New("store is closed")

// WatermarkListener is notified each time a store's watermark advances
type WatermarkListener interface {
	OnWatermarkAdvanced(h event.Header)
}

// Store is a FIFO of capacity C. Put blocks while full and Get blocks while
// empty; backpressure is the only flow control between stages.
type Store struct {
	name  string
	queue chan *event.Event
	done  chan struct{}

	closeOnce sync.Once

	// mu guards the watermark and serializes listener notification so
	// listeners observe advances in order.
	mu        sync.Mutex
	watermark event.Header
	listeners []WatermarkListener
}

// New creates a store holding at most capacity events
func New(name string, capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		name:      name,
		queue:     make(chan *event.Event, capacity),
		done:      make(chan struct{}),
		watermark: event.NoHeader,
	}
}

// Name returns the store name used in the pipeline wiring
func (s *Store) Name() string {
	return s.name
}

// Put enqueues ev, blocking while the store is full
func (s *Store) Put(ctx context.Context, ev *event.Event) error {
	// Fail fast once closed even if there is room in the buffer
	select {
	case <-s.done:
		return ErrClosedStore
	default:
	}

	select {
	case s.queue <- ev:
		telemetry.StoreDepth.With(s.name).Set(float64(len(s.queue)))
		return nil
	case <-s.done:
		return ErrClosedStore
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get removes the oldest event, blocking while the store is empty. After
// Close it keeps returning buffered events until drained.
func (s *Store) Get(ctx context.Context) (*event.Event, error) {
	select {
	case ev := <-s.queue:
		telemetry.StoreDepth.With(s.name).Set(float64(len(s.queue)))
		return ev, nil
	default:
	}

	select {
	case ev := <-s.queue:
		telemetry.StoreDepth.With(s.name).Set(float64(len(s.queue)))
		return ev, nil
	case <-s.done:
		select {
		case ev := <-s.queue:
			return ev, nil
		default:
			return nil, ErrClosedStore
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishCommitted advances the watermark to h when h is the last fragment
// of a transaction beyond the current watermark. Anything else is a no-op,
// which makes duplicate or out-of-order acknowledgements harmless.
func (s *Store) PublishCommitted(h event.Header) bool {
	if !h.LastFrag {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.watermark.IsZero() && h.Seqno <= s.watermark.Seqno {
		return false
	}
	s.watermark = h

	for _, l := range s.listeners {
		l.OnWatermarkAdvanced(h)
	}

	log.Debug().Str("store", s.name).Int64("seqno", h.Seqno).Msg("Committed watermark advanced")
	return true
}

// SetInitialWatermark seeds the watermark from a restored commit position.
// It behaves like PublishCommitted, including listener notification.
func (s *Store) SetInitialWatermark(h event.Header) bool {
	h.LastFrag = true
	return s.PublishCommitted(h)
}

// CurrentWatermark returns the latest committed header without blocking
func (s *Store) CurrentWatermark() event.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// AddListener registers l for future watermark advances. If the store already
// has a watermark, l is told about it right away.
func (s *Store) AddListener(l WatermarkListener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, l)
	if !s.watermark.IsZero() {
		l.OnWatermarkAdvanced(s.watermark)
	}
}

// Len returns the number of queued events
func (s *Store) Len() int {
	return len(s.queue)
}

// Cap returns the store capacity
func (s *Store) Cap() int {
	return cap(s.queue)
}

// Close stops accepting events. Queued events can still be drained with Get.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		log.Debug().Str("store", s.name).Int("queued", len(s.queue)).Msg("Store closed")
	})
}

// Closed reports whether Close has been called
func (s *Store) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
