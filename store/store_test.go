package store

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/batchapply/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu    sync.Mutex
	heads []event.Header
}

func (r *recordingListener) OnWatermarkAdvanced(h event.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heads = append(r.heads, h)
}

func (r *recordingListener) seqnos() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.heads))
	for i, h := range r.heads {
		out[i] = h.Seqno
	}
	return out
}

func ev(seqno int64) *event.Event {
	return &event.Event{Seqno: seqno, LastFrag: true, Table: "t"}
}

func TestStore_FIFO(t *testing.T) {
	s := New("queue", 10)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.Put(ctx, ev(i)))
	}
	assert.Equal(t, 5, s.Len())

	for i := int64(0); i < 5; i++ {
		got, err := s.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, got.Seqno)
	}
}

func TestStore_Backpressure(t *testing.T) {
	const capacity = 3
	s := New("queue", capacity)
	ctx := context.Background()

	for i := int64(0); i < capacity; i++ {
		require.NoError(t, s.Put(ctx, ev(i)))
	}

	putDone := make(chan error, 1)
	go func() {
		putDone <- s.Put(ctx, ev(capacity))
	}()

	select {
	case <-putDone:
		t.Fatal("put beyond capacity must block")
	case <-time.After(50 * time.Millisecond):
	}

	first, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Seqno)

	select {
	case err := <-putDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("put did not unblock after get")
	}

	// nothing dropped or reordered
	for i := int64(1); i <= capacity; i++ {
		got, err := s.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, got.Seqno)
	}
}

func TestStore_PutContextCancelled(t *testing.T) {
	s := New("queue", 1)
	require.NoError(t, s.Put(context.Background(), ev(0)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Put(ctx, ev(1)), context.DeadlineExceeded)
}

func TestStore_GetBlocksUntilPut(t *testing.T) {
	s := New("queue", 2)
	got := make(chan *event.Event, 1)
	go func() {
		e, err := s.Get(context.Background())
		if err == nil {
			got <- e
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Put(context.Background(), ev(9)))

	select {
	case e := <-got:
		assert.Equal(t, int64(9), e.Seqno)
	case <-time.After(time.Second):
		t.Fatal("get did not return")
	}
}

func TestStore_Close(t *testing.T) {
	s := New("queue", 4)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, ev(0)))
	require.NoError(t, s.Put(ctx, ev(1)))

	s.Close()
	s.Close()
	assert.True(t, s.Closed())

	assert.ErrorIs(t, s.Put(ctx, ev(2)), ErrClosedStore)

	// drained in order, then closed
	e, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.Seqno)
	e, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Seqno)
	_, err = s.Get(ctx)
	assert.ErrorIs(t, err, ErrClosedStore)
}

func TestStore_CloseWakesBlockedGet(t *testing.T) {
	s := New("queue", 1)
	done := make(chan error, 1)
	go func() {
		_, err := s.Get(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosedStore)
	case <-time.After(time.Second):
		t.Fatal("blocked get not released by close")
	}
}

func TestStore_WatermarkMonotonic(t *testing.T) {
	s := New("queue", 1)
	l := &recordingListener{}
	s.AddListener(l)

	assert.True(t, s.CurrentWatermark().IsZero())

	headers := []event.Header{
		{Seqno: 3, LastFrag: true},
		{Seqno: 1, LastFrag: true},  // regression
		{Seqno: 3, LastFrag: true},  // duplicate
		{Seqno: 7, LastFrag: false}, // not a transaction boundary
		{Seqno: 5, LastFrag: true},
	}
	for _, h := range headers {
		s.PublishCommitted(h)
	}

	assert.Equal(t, int64(5), s.CurrentWatermark().Seqno)
	assert.Equal(t, []int64{3, 5}, l.seqnos())
}

func TestStore_WatermarkEqualsMaxLastFragment(t *testing.T) {
	s := New("queue", 1)
	rng := rand.New(rand.NewSource(42))

	var max int64 = -1
	prev := int64(-1)
	for i := 0; i < 500; i++ {
		h := event.Header{Seqno: rng.Int63n(1000), LastFrag: rng.Intn(2) == 0}
		s.PublishCommitted(h)
		if h.LastFrag && h.Seqno > max {
			max = h.Seqno
		}

		cur := s.CurrentWatermark().Seqno
		assert.GreaterOrEqual(t, cur, prev)
		assert.Equal(t, max, cur)
		prev = cur
	}
}

func TestStore_AddListenerReplaysCurrentWatermark(t *testing.T) {
	s := New("queue", 1)
	s.SetInitialWatermark(event.Header{Seqno: 10})

	l := &recordingListener{}
	s.AddListener(l)
	assert.Equal(t, []int64{10}, l.seqnos())
}
