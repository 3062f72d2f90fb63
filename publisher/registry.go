package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/batchapply/cfg"
	"github.com/maxpert/batchapply/event"
	"github.com/rs/zerolog/log"
)

// SinkStatus reports delivery progress of one sink
type SinkStatus struct {
	Name      string `json:"name"`
	Topic     string `json:"topic"`
	Published int64  `json:"published_seqno"`
}

// CommitPublisher fans committed watermarks out to every configured sink.
// It implements store.WatermarkListener.
type CommitPublisher struct {
	service string
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewCommitPublisher creates a worker for each sink configuration
func NewCommitPublisher(service string, sinks []cfg.SinkConfiguration) (*CommitPublisher, error) {
	p := &CommitPublisher{
		service: service,
		workers: make([]*Worker, 0, len(sinks)),
	}

	for _, sinkCfg := range sinks {
		if err := p.AddSink(sinkCfg); err != nil {
			for _, worker := range p.workers {
				worker.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("sinks", len(p.workers)).
		Msg("Commit publisher initialized")

	return p, nil
}

// AddSink creates the sink named by config.Type and a worker for it
func (p *CommitPublisher) AddSink(config cfg.SinkConfiguration) error {
	snk, err := NewSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	if err := p.AddWorker(config, snk); err != nil {
		snk.Close()
		return err
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Msg("Added commit notification sink")
	return nil
}

// AddWorker adds a worker publishing to an already created sink
func (p *CommitPublisher) AddWorker(config cfg.SinkConfiguration, snk Sink) error {
	topic := config.Topic
	if topic == "" {
		topic = DefaultTopic(p.service)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Service:         p.service,
		Topic:           topic,
		Sink:            snk,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	p.mu.Lock()
	p.workers = append(p.workers, worker)
	running := p.running.Load()
	p.mu.Unlock()

	if running {
		worker.Start()
	}
	return nil
}

// DefaultTopic is used when a sink configures no topic
func DefaultTopic(service string) string {
	return fmt.Sprintf("batchapply.%s.commits", service)
}

// Start starts all workers
func (p *CommitPublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}

	for _, worker := range p.workers {
		worker.Start()
	}
	p.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks
func (p *CommitPublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Swap(false) {
		return
	}

	for _, worker := range p.workers {
		worker.Stop()
	}
	log.Info().Msg("Commit publisher stopped")
}

// OnWatermarkAdvanced hands h to every worker without blocking
func (p *CommitPublisher) OnWatermarkAdvanced(h event.Header) {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()

	for _, worker := range workers {
		worker.Offer(h)
	}
}

// Status returns per-sink progress
func (p *CommitPublisher) Status() []SinkStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SinkStatus, 0, len(p.workers))
	for _, worker := range p.workers {
		out = append(out, SinkStatus{
			Name:      worker.config.Name,
			Topic:     worker.config.Topic,
			Published: worker.Published(),
		})
	}
	return out
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// NewSink creates a sink based on the configuration
func NewSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}
