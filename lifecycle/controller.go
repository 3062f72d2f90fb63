// Package lifecycle drives the external load process through its phases.
//
// The Controller owns a guarded state machine:
//
//	Init -> Prepared -> Begin -> (Accumulating | Flushing)* -> Committed -> Begin ...
//	any -> Released, any but Released -> Failed
//
// Out-of-order calls are rejected with ErrInvalidTransition and fail the
// controller. Every loader error surfaces as a *PhaseError.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/batchapply/batch"
	"github.com/maxpert/batchapply/telemetry"
	"github.com/rs/zerolog/log"
)

// Calls counts loader invocations per phase
type Calls struct {
	Prepare int
	Begin   int
	Apply   int
	Commit  int
	Release int
}

// Controller sequences loader calls for one applier. Methods are called from
// the applier goroutine; State may be read from anywhere.
type Controller struct {
	name   string
	loader Loader

	mu    sync.Mutex
	state State
	err   error
	txn   Txn
	calls Calls

	releaseOnce sync.Once
	releaseErr  error
}

// NewController wraps loader; name labels status metrics
func NewController(name string, loader Loader) *Controller {
	c := &Controller{name: name, loader: loader, state: StateInit}
	c.publishState(StateInit)
	return c
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that failed the controller, if any
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Calls returns loader invocation counts
func (c *Controller) Calls() Calls {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Txn returns the open transaction, if any
func (c *Controller) Txn() (Txn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txn, c.state.InTransaction()
}

// Prepare runs the prepare phase once before any transaction
func (c *Controller) Prepare(ctx context.Context) error {
	if err := c.transition(StatePrepared); err != nil {
		return err
	}
	return c.call(ctx, PhasePrepare, c.loader.Prepare)
}

// Begin opens txn
func (c *Controller) Begin(ctx context.Context, txn Txn) error {
	c.mu.Lock()
	if !canTransition(c.state, StateBegin) {
		err := c.invalidLocked(StateBegin)
		c.mu.Unlock()
		return err
	}
	c.txn = txn
	c.setStateLocked(StateBegin)
	c.mu.Unlock()

	return c.call(ctx, PhaseBegin, func(ctx context.Context) error {
		return c.loader.Begin(ctx, txn)
	})
}

// Accumulate records that rows were buffered for the open transaction
func (c *Controller) Accumulate() error {
	return c.transition(StateAccumulating)
}

// Apply hands a flushed artifact to the loader
func (c *Controller) Apply(ctx context.Context, artifact batch.Artifact) error {
	if err := c.transition(StateFlushing); err != nil {
		return err
	}
	txn := c.currentTxn()
	return c.call(ctx, PhaseApply, func(ctx context.Context) error {
		return c.loader.Apply(ctx, txn, artifact)
	})
}

// Commit closes the open transaction
func (c *Controller) Commit(ctx context.Context) error {
	c.mu.Lock()
	if !canTransition(c.state, StateCommitted) {
		err := c.invalidLocked(StateCommitted)
		c.mu.Unlock()
		return err
	}
	txn := c.txn
	c.mu.Unlock()

	if err := c.call(ctx, PhaseCommit, func(ctx context.Context) error {
		return c.loader.Commit(ctx, txn)
	}); err != nil {
		return err
	}

	return c.transition(StateCommitted)
}

// Fail moves the controller to Failed. The first error is kept.
func (c *Controller) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(err)
}

// Release runs the release phase at most once. Failures are returned for
// logging only; the controller is Released either way.
func (c *Controller) Release(ctx context.Context) error {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.setStateLocked(StateReleased)
		c.mu.Unlock()

		if prev == StateInit {
			return
		}

		start := time.Now()
		c.mu.Lock()
		c.countLocked(PhaseRelease)
		c.mu.Unlock()
		if err := c.loader.Release(ctx); err != nil {
			telemetry.LoadPhaseFailuresTotal.With(string(PhaseRelease)).Inc()
			c.releaseErr = &PhaseError{Phase: PhaseRelease, Err: err}
		}
		telemetry.LoadPhaseSeconds.With(string(PhaseRelease)).Observe(time.Since(start).Seconds())
	})
	return c.releaseErr
}

func (c *Controller) currentTxn() Txn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txn
}

func (c *Controller) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !canTransition(c.state, to) {
		return c.invalidLocked(to)
	}
	c.setStateLocked(to)
	return nil
}

// call runs one loader phase outside the lock and fails the controller on
// error
func (c *Controller) call(ctx context.Context, phase Phase, fn func(context.Context) error) error {
	start := time.Now()

	c.mu.Lock()
	if c.state == StateFailed || c.state == StateReleased {
		err := fmt.Errorf("%w: %s called in state %s", ErrFailed, phase, c.state)
		c.mu.Unlock()
		return err
	}
	c.countLocked(phase)
	c.mu.Unlock()

	err := fn(ctx)
	telemetry.LoadPhaseSeconds.With(string(phase)).Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.LoadPhaseFailuresTotal.With(string(phase)).Inc()
		perr := &PhaseError{Phase: phase, Err: err}

		c.mu.Lock()
		c.failLocked(perr)
		c.mu.Unlock()

		log.Error().
			Err(err).
			Str("stage", c.name).
			Str("phase", string(phase)).
			Int64("seqno", c.currentTxn().Seqno).
			Msg("Load phase failed")
		return perr
	}
	return nil
}

func (c *Controller) countLocked(phase Phase) {
	switch phase {
	case PhasePrepare:
		c.calls.Prepare++
	case PhaseBegin:
		c.calls.Begin++
	case PhaseApply:
		c.calls.Apply++
	case PhaseCommit:
		c.calls.Commit++
	case PhaseRelease:
		c.calls.Release++
	}
}

func (c *Controller) invalidLocked(to State) error {
	err := fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, to)
	if c.state == StateFailed {
		err = fmt.Errorf("%w: %w", ErrFailed, c.err)
	}
	if c.state != StateReleased {
		c.failLocked(err)
	}
	return err
}

func (c *Controller) failLocked(err error) {
	if c.state == StateReleased || c.state == StateFailed {
		return
	}
	c.err = err
	c.setStateLocked(StateFailed)
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	c.publishState(s)
}

func (c *Controller) publishState(current State) {
	for _, s := range AllStates {
		v := 0.0
		if s == current {
			v = 1
		}
		telemetry.StageStatus.With(c.name, s.String()).Set(v)
	}
}
