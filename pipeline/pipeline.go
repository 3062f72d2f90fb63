// Package pipeline wires stages and stores together and supervises their
// lifecycle: prepare in order, run one goroutine per stage, release every
// stage when it exits and cancel outstanding commit watches on shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/batchapply/event"
	"github.com/maxpert/batchapply/store"
	"github.com/maxpert/batchapply/watch"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotRunning is returned by Shutdown before Start
	ErrNotRunning = errors.New("pipeline is not running")

	// ErrShutdown is the reason given to watches cancelled by a clean shutdown
	ErrShutdown = errors.New("pipeline shut down")
)

const releaseTimeout = 30 * time.Second

// Stage is one processing step
type Stage interface {
	// Prepare acquires resources before any stage runs. A failure aborts Start.
	Prepare(ctx context.Context) error
	// Run processes events until the input is exhausted, Drain is closed (finish
	// the current transaction, then return) or Ctx is cancelled (return now).
	Run(rc RunContext) error
	// Release frees resources; errors are logged only.
	Release(ctx context.Context) error
}

// RunContext is handed to Stage.Run
type RunContext struct {
	Name  string
	Ctx   context.Context
	Drain <-chan struct{}
	In    *store.Store
	Out   *store.Store
}

// Draining reports whether a graceful stop was requested
func (rc RunContext) Draining() bool {
	select {
	case <-rc.Drain:
		return true
	default:
		return false
	}
}

// State of the pipeline as a whole
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// StageStatus describes one stage for status reporting
type StageStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// Status is a point-in-time view of the pipeline
type Status struct {
	State     State          `json:"state"`
	Watermark event.Header   `json:"watermark"`
	Stores    map[string]int `json:"stores"`
	Stages    []StageStatus  `json:"stages"`
	Watches   int            `json:"pending_watches"`
	Error     string         `json:"error,omitempty"`
}

type stageRunner struct {
	name  string
	stage Stage
	in    *store.Store
	out   *store.Store

	mu      sync.Mutex
	running bool
	err     error
}

// Pipeline is a built, runnable set of stages
type Pipeline struct {
	stores      *xsync.MapOf[string, *store.Store]
	stages      []*stageRunner
	commitStore *store.Store
	registry    *watch.Registry

	mu     sync.Mutex
	state  State
	err    error
	cancel context.CancelFunc

	drain     chan struct{}
	drainOnce sync.Once
	wg        sync.WaitGroup
	done      chan struct{}
}

func newPipeline(stores *xsync.MapOf[string, *store.Store], commitStore *store.Store, registry *watch.Registry) *Pipeline {
	return &Pipeline{
		stores:      stores,
		commitStore: commitStore,
		registry:    registry,
		state:       StateCreated,
		drain:       make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start prepares every stage in order and then runs them. If a stage fails
// to prepare, the stages already prepared are released and the error is
// returned; nothing runs.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	p.state = StateRunning
	p.mu.Unlock()

	for i, r := range p.stages {
		if err := r.stage.Prepare(ctx); err != nil {
			err = fmt.Errorf("prepare stage %s: %w", r.name, err)
			log.Error().Err(err).Str("stage", r.name).Msg("Stage prepare failed")

			for j := i; j >= 0; j-- {
				p.release(p.stages[j])
			}
			p.finish(err)
			close(p.done)
			return err
		}
		log.Debug().Str("stage", r.name).Msg("Stage prepared")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for _, r := range p.stages {
		r.setRunning(true, nil)
		p.wg.Add(1)
		go p.run(runCtx, r)
	}

	go func() {
		p.wg.Wait()
		cancel()

		p.mu.Lock()
		err := p.err
		p.mu.Unlock()
		p.finish(err)
		close(p.done)
	}()

	log.Info().Int("stages", len(p.stages)).Msg("Pipeline started")
	return nil
}

func (p *Pipeline) run(ctx context.Context, r *stageRunner) {
	defer p.wg.Done()

	err := r.stage.Run(RunContext{
		Name:  r.name,
		Ctx:   ctx,
		Drain: p.drain,
		In:    r.in,
		Out:   r.out,
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, store.ErrClosedStore) {
		err = nil
	}
	r.setRunning(false, err)

	if err != nil {
		log.Error().Err(err).Str("stage", r.name).Msg("Stage failed, stopping pipeline")
		p.mu.Lock()
		if p.err == nil {
			p.err = fmt.Errorf("stage %s: %w", r.name, err)
		}
		cancel := p.cancel
		p.mu.Unlock()

		// Wake up every other stage
		p.stopDrain()
		if cancel != nil {
			cancel()
		}
	} else {
		log.Info().Str("stage", r.name).Msg("Stage stopped")
	}

	p.release(r)

	// Nothing commits once the last stage is gone
	if r.in == p.commitStore {
		reason := err
		if reason == nil {
			reason = ErrShutdown
		}
		p.registry.CancelAll(reason)
	}
}

func (p *Pipeline) release(r *stageRunner) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := r.stage.Release(ctx); err != nil {
		log.Warn().Err(err).Str("stage", r.name).Msg("Stage release failed")
	}
}

// finish cancels outstanding watches and closes the stores
func (p *Pipeline) finish(err error) {
	reason := err
	if reason == nil {
		reason = ErrShutdown
	}
	p.registry.CancelAll(reason)

	p.stores.Range(func(_ string, s *store.Store) bool {
		s.Close()
		return true
	})

	p.mu.Lock()
	p.err = err
	if err != nil {
		p.state = StateFailed
	} else {
		p.state = StateStopped
	}
	p.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Msg("Pipeline failed")
	} else {
		log.Info().Msg("Pipeline stopped")
	}
}

func (p *Pipeline) stopDrain() {
	p.drainOnce.Do(func() { close(p.drain) })
}

// Shutdown stops the pipeline. A graceful shutdown lets each stage finish its
// in-flight transaction; if ctx expires first, or immediate is set, stages
// are cancelled and return after their current operation. Shutdown waits for
// every stage to exit.
func (p *Pipeline) Shutdown(ctx context.Context, immediate bool) error {
	p.mu.Lock()
	switch p.state {
	case StateCreated:
		p.mu.Unlock()
		return ErrNotRunning
	case StateRunning:
		p.state = StateStopping
	}
	cancel := p.cancel
	p.mu.Unlock()

	// Prepare failed; nothing was started
	if cancel == nil {
		<-p.done
		return p.Err()
	}

	log.Info().Bool("immediate", immediate).Msg("Shutting down pipeline")

	p.stopDrain()
	if immediate {
		cancel()
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		log.Warn().Msg("Graceful shutdown timed out, cancelling stages")
		cancel()
		<-p.done
	}

	return p.Err()
}

// WatchForCommitted returns a watch that resolves once seqno is committed
// by the last stage
func (p *Pipeline) WatchForCommitted(seqno int64) *watch.Watch {
	return p.registry.WatchFor(seqno)
}

// Store returns the named store
func (p *Pipeline) Store(name string) (*store.Store, bool) {
	return p.stores.Load(name)
}

// CommitStore returns the store whose watermark tracks committed transactions
func (p *Pipeline) CommitStore() *store.Store {
	return p.commitStore
}

// Done is closed once every stage has exited
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that stopped the pipeline, nil for a clean stop
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// State returns the pipeline state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// StoreDepths implements telemetry.StatsProvider
func (p *Pipeline) StoreDepths() map[string]int {
	depths := make(map[string]int)
	p.stores.Range(func(name string, s *store.Store) bool {
		depths[name] = s.Len()
		return true
	})
	return depths
}

// CommittedAt implements telemetry.StatsProvider
func (p *Pipeline) CommittedAt() time.Time {
	wm := p.commitStore.CurrentWatermark()
	if wm.IsZero() {
		return time.Time{}
	}
	return wm.CommitTime
}

// Status returns a snapshot for the admin endpoint
func (p *Pipeline) Status() Status {
	st := Status{
		State:     p.State(),
		Watermark: p.commitStore.CurrentWatermark(),
		Stores:    p.StoreDepths(),
		Watches:   p.registry.Len(),
	}
	if err := p.Err(); err != nil {
		st.Error = err.Error()
	}
	for _, r := range p.stages {
		st.Stages = append(st.Stages, r.status())
	}
	return st
}

func (r *stageRunner) setRunning(running bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = running
	r.err = err
}

func (r *stageRunner) status() StageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := StageStatus{Name: r.name, Running: r.running}
	if r.err != nil {
		s.Error = r.err.Error()
	}
	return s
}
