package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/batchapply/event"
	"github.com/maxpert/batchapply/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStage runs fn, or blocks until cancelled or drained when fn is nil
type fakeStage struct {
	name       string
	prepareErr error
	fn         func(rc RunContext) error

	mu     *sync.Mutex
	events *[]string
}

func (f *fakeStage) record(what string) {
	if f.mu == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.events = append(*f.events, f.name+":"+what)
}

func (f *fakeStage) Prepare(ctx context.Context) error {
	f.record("prepare")
	return f.prepareErr
}

func (f *fakeStage) Run(rc RunContext) error {
	f.record("run")
	if f.fn != nil {
		return f.fn(rc)
	}
	select {
	case <-rc.Ctx.Done():
		return rc.Ctx.Err()
	case <-rc.Drain:
		return nil
	}
}

func (f *fakeStage) Release(ctx context.Context) error {
	f.record("release")
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) stage(name string) *fakeStage {
	return &fakeStage{name: name, mu: &r.mu, events: &r.events}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func shutdown(t *testing.T, p *Pipeline, immediate bool) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Shutdown(ctx, immediate)
}

func TestBuilder_Validation(t *testing.T) {
	stage := &fakeStage{}

	tests := []struct {
		name string
		b    *Builder
	}{
		{"no stages", NewBuilder().AddStore("a", 1)},
		{"zero capacity", NewBuilder().AddStore("a", 0).AddStage("s", "a", "", stage)},
		{"duplicate store", NewBuilder().AddStore("a", 1).AddStore("a", 1).AddStage("s", "a", "", stage)},
		{"unknown input", NewBuilder().AddStage("s", "missing", "", stage)},
		{"unknown output", NewBuilder().AddStore("a", 1).AddStage("s", "a", "missing", stage)},
		{"two readers", NewBuilder().AddStore("a", 1).
			AddStage("s1", "a", "", stage).AddStage("s2", "a", "", stage)},
		{"two writers", NewBuilder().AddStore("a", 1).AddStore("b", 1).
			AddStage("w1", "", "a", stage).AddStage("w2", "", "a", stage).AddStage("r", "a", "", stage)},
		{"duplicate stage", NewBuilder().AddStore("a", 1).
			AddStage("s", "", "a", stage).AddStage("s", "a", "", stage)},
		{"nil stage", NewBuilder().AddStore("a", 1).AddStage("s", "a", "", nil)},
		{"cycle", NewBuilder().AddStore("a", 1).AddStore("b", 1).
			AddStage("s1", "a", "b", stage).AddStage("s2", "b", "a", stage)},
		{"sink has no input", NewBuilder().AddStage("s", "", "", stage)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Build()
			assert.Error(t, err)
		})
	}
}

func TestBuilder_OrdersStagesAlongStores(t *testing.T) {
	rec := &recorder{}
	p, err := NewBuilder().
		AddStore("mid", 4).
		AddStore("in", 4).
		AddStage("apply", "mid", "", rec.stage("apply")).
		AddStage("filter", "in", "mid", rec.stage("filter")).
		AddStage("extract", "", "in", rec.stage("extract")).
		Build()
	require.NoError(t, err)

	var names []string
	for _, s := range p.Status().Stages {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"extract", "filter", "apply"}, names)

	mid, ok := p.Store("mid")
	require.True(t, ok)
	assert.Same(t, mid, p.CommitStore())
}

func TestPipeline_EventsFlowToCommit(t *testing.T) {
	source := &fakeStage{fn: func(rc RunContext) error {
		for i := int64(0); i < 5; i++ {
			ev := &event.Event{Seqno: i, LastFrag: true}
			if err := rc.Out.Put(rc.Ctx, ev); err != nil {
				return err
			}
		}
		<-rc.Drain
		return nil
	}}
	sink := &fakeStage{fn: func(rc RunContext) error {
		for {
			ev, err := rc.In.Get(rc.Ctx)
			if err != nil {
				return err
			}
			rc.In.PublishCommitted(ev.Header())
		}
	}}

	p, err := NewBuilder().
		AddStore("q", 2).
		AddStage("source", "", "q", source).
		AddStage("sink", "q", "", sink).
		Build()
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	h, err := p.WatchForCommitted(4).WaitTimeout(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(4), h.Seqno)
	assert.Equal(t, int64(4), p.Status().Watermark.Seqno)

	// sink ignores drain; the graceful timeout cancels it
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx, false))
	assert.Equal(t, StateStopped, p.State())
}

func TestPipeline_StartStop(t *testing.T) {
	rec := &recorder{}
	p, err := NewBuilder().
		AddStore("q", 1).
		AddStage("source", "", "q", rec.stage("source")).
		AddStage("sink", "q", "", rec.stage("sink")).
		Build()
	require.NoError(t, err)

	assert.ErrorIs(t, p.Shutdown(context.Background(), false), ErrNotRunning)

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, StateRunning, p.State())
	assert.Error(t, p.Start(context.Background()))

	w := p.WatchForCommitted(100)
	require.NoError(t, shutdown(t, p, false))
	assert.Equal(t, StateStopped, p.State())

	_, err = w.WaitTimeout(time.Second)
	assert.ErrorIs(t, err, watch.ErrWatchCancelled)
	assert.ErrorIs(t, err, ErrShutdown)

	events := rec.list()
	assert.Equal(t, []string{"source:prepare", "sink:prepare"}, events[:2])
	assert.Contains(t, events, "source:release")
	assert.Contains(t, events, "sink:release")

	q, _ := p.Store("q")
	assert.True(t, q.Closed())

	// Shutdown after stop is harmless
	require.NoError(t, shutdown(t, p, true))
}

func TestPipeline_PrepareFailureReleasesPrepared(t *testing.T) {
	rec := &recorder{}
	bad := rec.stage("sink")
	bad.prepareErr = errors.New("no connection")

	p, err := NewBuilder().
		AddStore("q", 1).
		AddStage("source", "", "q", rec.stage("source")).
		AddStage("sink", "q", "", bad).
		Build()
	require.NoError(t, err)

	err = p.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no connection")

	<-p.Done()
	assert.Equal(t, StateFailed, p.State())
	assert.Equal(t, []string{
		"source:prepare", "sink:prepare", "sink:release", "source:release",
	}, rec.list())

	assert.Error(t, p.Shutdown(context.Background(), false))
}

func TestPipeline_StageFailureStopsEverything(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{}
	failing := rec.stage("sink")
	failing.fn = func(rc RunContext) error {
		if _, err := rc.In.Get(rc.Ctx); err != nil {
			return err
		}
		return boom
	}
	source := rec.stage("source")
	source.fn = func(rc RunContext) error {
		if err := rc.Out.Put(rc.Ctx, &event.Event{Seqno: 0, LastFrag: true}); err != nil {
			return err
		}
		<-rc.Ctx.Done()
		return rc.Ctx.Err()
	}

	p, err := NewBuilder().
		AddStore("q", 1).
		AddStage("source", "", "q", source).
		AddStage("sink", "q", "", failing).
		Build()
	require.NoError(t, err)

	w := p.WatchForCommitted(0)
	require.NoError(t, p.Start(context.Background()))

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after stage failure")
	}

	assert.Equal(t, StateFailed, p.State())
	assert.ErrorIs(t, p.Err(), boom)

	_, err = w.WaitTimeout(time.Second)
	assert.ErrorIs(t, err, boom)

	st := p.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "boom")
	for _, s := range st.Stages {
		assert.False(t, s.Running)
	}
	assert.Contains(t, rec.list(), "source:release")
}

func TestPipeline_ImmediateShutdownCancels(t *testing.T) {
	stuck := &fakeStage{fn: func(rc RunContext) error {
		// ignores drain
		<-rc.Ctx.Done()
		return rc.Ctx.Err()
	}}
	p, err := NewBuilder().AddStore("q", 1).AddStage("sink", "q", "", stuck).Build()
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, shutdown(t, p, true))
	assert.Equal(t, StateStopped, p.State())
}

func TestPipeline_StatsProvider(t *testing.T) {
	p, err := NewBuilder().AddStore("q", 3).AddStage("sink", "q", "", &fakeStage{}).Build()
	require.NoError(t, err)

	q, _ := p.Store("q")
	require.NoError(t, q.Put(context.Background(), &event.Event{Seqno: 0, LastFrag: true}))
	assert.Equal(t, map[string]int{"q": 1}, p.StoreDepths())
	assert.True(t, p.CommittedAt().IsZero())

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.PublishCommitted(event.Header{Seqno: 0, LastFrag: true, CommitTime: at})
	assert.Equal(t, at, p.CommittedAt())
}
