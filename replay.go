package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/maxpert/batchapply/encoding"
	"github.com/maxpert/batchapply/event"
	"github.com/maxpert/batchapply/pipeline"
	"github.com/maxpert/batchapply/store"
	"github.com/rs/zerolog/log"
)

// replayFile enqueues every event of a msgpack event stream. It returns the
// header of the last complete transaction, NoHeader if there was none.
func replayFile(ctx context.Context, path string, in *store.Store) (event.Header, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return event.NoHeader, 0, fmt.Errorf("open replay stream: %w", err)
	}
	defer f.Close()

	return replay(ctx, bufio.NewReader(f), in)
}

func replay(ctx context.Context, r io.Reader, in *store.Store) (event.Header, int, error) {
	last := event.NoHeader
	n := 0

	reader := encoding.NewEventReader(r)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return last, n, nil
		}
		if err != nil {
			return last, n, fmt.Errorf("read event %d: %w", n, err)
		}
		if err := ev.Validate(); err != nil {
			return last, n, fmt.Errorf("event %d: %w", n, err)
		}

		if err := in.Put(ctx, ev); err != nil {
			return last, n, err
		}
		n++
		if ev.LastFrag {
			last = ev.Header()
		}
	}
}

// replayAndWait replays path into the pipeline input and waits until its
// last transaction is committed
func replayAndWait(ctx context.Context, path string, p *pipeline.Pipeline) error {
	in, ok := p.Store(inputStore)
	if !ok {
		return fmt.Errorf("pipeline has no %s store", inputStore)
	}

	last, n, err := replayFile(ctx, path, in)
	if err != nil {
		return err
	}
	log.Info().Int("events", n).Int64("last_seqno", last.Seqno).Msg("Replay enqueued")

	if last.IsZero() {
		return nil
	}

	h, err := p.WatchForCommitted(last.Seqno).Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for seqno %d: %w", last.Seqno, err)
	}
	log.Info().Int64("seqno", h.Seqno).Msg("Replay committed")
	return nil
}
