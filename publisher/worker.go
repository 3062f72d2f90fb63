package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/batchapply/encoding"
	"github.com/maxpert/batchapply/event"
	"github.com/maxpert/batchapply/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
)

// WorkerConfig configures one sink worker
type WorkerConfig struct {
	Name            string        // Sink name (for logs and metrics)
	Service         string        // Message key
	Topic           string        // Destination topic or subject
	Sink            Sink          // Destination sink
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
}

// Worker publishes the newest offered watermark to a single sink
type Worker struct {
	config WorkerConfig

	mu         sync.Mutex
	pending    event.Header
	hasPending bool
	published  atomic.Int64

	wakeCh      chan struct{}
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates config and applies defaults
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}

	w := &Worker{
		config: config,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.published.Store(-1)
	return w, nil
}

// Offer queues h, replacing any older header not yet published
func (w *Worker) Offer(h event.Header) {
	w.mu.Lock()
	if w.hasPending && h.Seqno <= w.pending.Seqno {
		w.mu.Unlock()
		return
	}
	if w.hasPending {
		telemetry.NotificationsTotal.With(w.config.Name, "coalesced").Inc()
	}
	w.pending = h
	w.hasPending = true
	w.mu.Unlock()

	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Published returns the last seqno delivered, -1 if none
func (w *Worker) Published() int64 {
	return w.published.Load()
}

// Name returns the sink name
func (w *Worker) Name() string {
	return w.config.Name
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("sink", w.config.Name).
		Str("topic", w.config.Topic).
		Msg("Starting commit notification worker")

	go w.loop()
}

// Stop stops the worker after one last attempt at anything pending
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	if err := w.config.Sink.Close(); err != nil {
		log.Warn().Err(err).Str("sink", w.config.Name).Msg("Failed to close sink")
	}

	log.Info().
		Str("sink", w.config.Name).
		Int64("published", w.Published()).
		Msg("Commit notification worker stopped")
}

func (w *Worker) loop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			w.finalAttempt()
			return
		case <-w.wakeCh:
		}

		for {
			h, ok := w.take()
			if !ok {
				break
			}
			if !w.publishWithRetry(h) {
				w.Offer(h)
				w.finalAttempt()
				return
			}
		}
	}
}

// finalAttempt tries once to publish whatever is pending
func (w *Worker) finalAttempt() {
	h, ok := w.take()
	if !ok {
		return
	}
	if err := w.publishOnce(h); err != nil {
		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Int64("seqno", h.Seqno).
			Msg("Dropping commit notification on shutdown")
	}
}

func (w *Worker) take() (event.Header, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.hasPending {
		return event.Header{}, false
	}
	w.hasPending = false
	return w.pending, true
}

// publishWithRetry publishes h with exponential backoff. A newer pending
// header replaces h between attempts. Returns false if the worker stopped.
func (w *Worker) publishWithRetry(h event.Header) bool {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.publishOnce(h)
		if err == nil {
			return true
		}

		attempts++
		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Int64("seqno", h.Seqno).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish commit notification, retrying")

		if !w.sleep(delay) {
			return false
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}

		if newer, ok := w.take(); ok {
			h = newer
		}
	}
}

func (w *Worker) publishOnce(h event.Header) error {
	if h.Seqno <= w.published.Load() {
		return nil
	}

	data, err := encoding.Marshal(NewNotification(w.config.Service, h))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	if err := w.config.Sink.Publish(w.config.Topic, w.config.Service, data); err != nil {
		telemetry.NotificationsTotal.With(w.config.Name, "failed").Inc()
		return err
	}

	w.published.Store(h.Seqno)
	telemetry.NotificationsTotal.With(w.config.Name, "published").Inc()
	log.Debug().
		Str("sink", w.config.Name).
		Int64("seqno", h.Seqno).
		Msg("Published commit notification")
	return nil
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
