// Package applier implements the batch-apply stage: it reads committed
// transactions from its input store, partitions their rows into batches,
// drives the load lifecycle for each transaction and advances the committed
// watermark once the load script has committed.
package applier

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/batchapply/batch"
	"github.com/maxpert/batchapply/event"
	"github.com/maxpert/batchapply/lifecycle"
	"github.com/maxpert/batchapply/partition"
	"github.com/maxpert/batchapply/pipeline"
	"github.com/maxpert/batchapply/position"
	"github.com/maxpert/batchapply/store"
	"github.com/maxpert/batchapply/telemetry"
	"github.com/rs/zerolog/log"
)

// Config wires the applier's collaborators. Filter and Position are optional.
type Config struct {
	Service     string
	Partitioner partition.Partitioner
	Granularity partition.Granularity
	Writer      *batch.Writer
	Controller  *lifecycle.Controller
	Filter      *TableFilter
	Position    *position.Store
}

// Applier is the last stage of a batch-apply pipeline
type Applier struct {
	cfg Config

	committed event.Header
	inTxn     bool
	txnSeqno  int64
}

// New validates c
func New(c Config) (*Applier, error) {
	if c.Partitioner == nil {
		return nil, fmt.Errorf("applier requires a partitioner")
	}
	if c.Writer == nil {
		return nil, fmt.Errorf("applier requires a batch writer")
	}
	if c.Controller == nil {
		return nil, fmt.Errorf("applier requires a lifecycle controller")
	}
	if c.Granularity == "" {
		c.Granularity = partition.PerTransaction
	}
	return &Applier{cfg: c, committed: event.NoHeader}, nil
}

// Prepare restores the committed position and runs the prepare phase
func (a *Applier) Prepare(ctx context.Context) error {
	if a.cfg.Position != nil {
		h, err := a.cfg.Position.Load(a.cfg.Service)
		if err != nil {
			return fmt.Errorf("restore position: %w", err)
		}
		a.committed = h
		if !h.IsZero() {
			log.Info().
				Str("service", a.cfg.Service).
				Int64("seqno", h.Seqno).
				Msg("Restored committed position")
		}
	}

	return a.cfg.Controller.Prepare(ctx)
}

// Run applies events until the input is closed or the pipeline stops. A
// graceful stop is honored only between transactions.
func (a *Applier) Run(rc pipeline.RunContext) error {
	if rc.In == nil {
		return fmt.Errorf("applier has no input store")
	}
	if !a.committed.IsZero() {
		rc.In.SetInitialWatermark(a.committed)
		telemetry.CommittedSeqno.Set(float64(a.committed.Seqno))
	}

	// idleCtx also ends on drain so a graceful stop does not wait for the
	// next event
	idleCtx, cancelIdle := context.WithCancel(rc.Ctx)
	defer cancelIdle()
	go func() {
		select {
		case <-rc.Drain:
			cancelIdle()
		case <-idleCtx.Done():
		}
	}()

	// Loader calls run to completion even when the pipeline is cancelled
	loadCtx := context.WithoutCancel(rc.Ctx)

	for {
		if !a.inTxn && rc.Draining() {
			return nil
		}

		getCtx := idleCtx
		if a.inTxn {
			getCtx = rc.Ctx
		}

		ev, err := rc.In.Get(getCtx)
		if err != nil {
			if rc.Ctx.Err() != nil {
				a.abandon()
				return rc.Ctx.Err()
			}
			if idleCtx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			a.abandon()
			return err
		}

		if err := a.apply(loadCtx, rc.In, ev); err != nil {
			return err
		}

		if rc.Ctx.Err() != nil {
			a.abandon()
			return rc.Ctx.Err()
		}
	}
}

// Release runs the release phase and closes owned resources
func (a *Applier) Release(ctx context.Context) error {
	err := a.cfg.Controller.Release(ctx)
	if cerr := a.cfg.Writer.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("Failed to close batch writer")
	}
	if a.cfg.Position != nil {
		if cerr := a.cfg.Position.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to close position store")
		}
	}
	return err
}

// State returns the lifecycle state
func (a *Applier) State() lifecycle.State {
	return a.cfg.Controller.State()
}

func (a *Applier) apply(ctx context.Context, in *store.Store, ev *event.Event) error {
	if err := ev.Validate(); err != nil {
		return a.fail(err)
	}

	if !a.inTxn && !a.committed.IsZero() && ev.Seqno <= a.committed.Seqno {
		telemetry.EventsTotal.With("skipped").Inc()
		log.Debug().Int64("seqno", ev.Seqno).Msg("Skipping already committed event")
		return nil
	}

	if !a.inTxn {
		txn := lifecycle.Txn{Seqno: ev.Seqno, Epoch: ev.Epoch, CommitTime: ev.CommitTime}
		if err := a.cfg.Controller.Begin(ctx, txn); err != nil {
			return a.fail(err)
		}
		a.inTxn = true
		a.txnSeqno = ev.Seqno
	} else if ev.Seqno != a.txnSeqno {
		return a.fail(fmt.Errorf("seqno %d arrived before seqno %d was complete", ev.Seqno, a.txnSeqno))
	}

	if err := a.route(ctx, ev); err != nil {
		return a.fail(err)
	}

	if ev.LastFrag {
		if err := a.commit(ctx, in, ev); err != nil {
			return a.fail(err)
		}
	}

	telemetry.EventsTotal.With("applied").Inc()
	return nil
}

// route partitions rows into batches and applies anything a threshold flushed
func (a *Applier) route(ctx context.Context, ev *event.Event) error {
	if len(ev.Rows) == 0 {
		return nil
	}
	if !a.cfg.Filter.Match(ev.Schema, ev.Table) {
		telemetry.RowsFilteredTotal.Add(float64(len(ev.Rows)))
		return nil
	}

	var txnKey string
	if a.cfg.Granularity == partition.PerTransaction {
		key, err := a.cfg.Partitioner.Key(ev, nil)
		if err != nil {
			return err
		}
		txnKey = key
	}

	for i := range ev.Rows {
		row := &ev.Rows[i]
		key := txnKey
		if a.cfg.Granularity == partition.PerRow {
			var err error
			if key, err = a.cfg.Partitioner.Key(ev, row); err != nil {
				return err
			}
		}

		flushed, err := a.cfg.Writer.Append(ev, row, key)
		if err != nil {
			return lifecycle.FlushFailure(err)
		}
		if err := a.cfg.Controller.Accumulate(); err != nil {
			return err
		}
		for _, artifact := range flushed {
			if err := a.cfg.Controller.Apply(ctx, artifact); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Applier) commit(ctx context.Context, in *store.Store, ev *event.Event) error {
	artifacts, err := a.cfg.Writer.FlushAll()
	if err != nil {
		return lifecycle.FlushFailure(err)
	}
	for _, artifact := range artifacts {
		if err := a.cfg.Controller.Apply(ctx, artifact); err != nil {
			return err
		}
	}

	if err := a.cfg.Controller.Commit(ctx); err != nil {
		return err
	}

	h := ev.Header()
	if a.cfg.Position != nil {
		if err := a.cfg.Position.Save(a.cfg.Service, h); err != nil {
			return fmt.Errorf("save position at seqno %d: %w", h.Seqno, err)
		}
	}

	a.inTxn = false
	a.committed = h
	in.PublishCommitted(h)

	telemetry.TxnsCommittedTotal.Inc()
	telemetry.CommittedSeqno.Set(float64(h.Seqno))
	log.Debug().
		Int64("seqno", h.Seqno).
		Int("artifacts", len(artifacts)).
		Msg("Transaction committed")

	return nil
}

// fail stops the applier: the controller fails, open batches are dropped and
// the watermark stays before the failing transaction
func (a *Applier) fail(err error) error {
	a.cfg.Controller.Fail(err)
	a.cfg.Writer.Discard()
	a.inTxn = false
	telemetry.EventsTotal.With("failed").Inc()
	return err
}

// abandon drops an in-flight transaction on immediate stop
func (a *Applier) abandon() {
	if a.inTxn {
		log.Warn().Int64("seqno", a.txnSeqno).Msg("Abandoning in-flight transaction")
		a.cfg.Writer.Discard()
		a.inTxn = false
	}
}
