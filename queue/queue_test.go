package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDropOldest(t *testing.T) {
	q := New[int](3)
	assert.False(t, q.Put(1))
	assert.False(t, q.Put(2))
	assert.False(t, q.Put(3))
	assert.True(t, q.Put(4))

	got := make([]int, 0, 3)
	for {
		v, ok := q.TryGet()
		if !ok {
			break
		}
		got = append(got, v)
	}
	if diff := cmp.Diff([]int{2, 3, 4}, got); diff != "" {
		t.Errorf("unexpected queue content (-want +got):\n%s", diff)
	}
	stats := q.Stats()
	assert.Equal(t, Stats{Capacity: 3, Len: 0, Puts: 4, Drops: 1}, stats)
}

func TestQueueGetTimeout(t *testing.T) {
	q := New[string](1)
	start := time.Now()
	_, err := q.Get(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	q.Put("a")
	v, err := q.Get(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestQueueGetContext(t *testing.T) {
	q := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Get(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueGetWakesOnPut(t *testing.T) {
	q := New[int](2)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Put(42)
	}()
	v, err := q.Get(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestQueueMinCapacityAndDrain(t *testing.T) {
	q := New[int](0)
	assert.Equal(t, 1, q.Cap())
	q.Put(1)
	q.Put(2)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Drain())
	assert.Equal(t, 0, q.Len())
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := New[int](5)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Put(p*1000 + i)
			}
		}(p)
	}
	wg.Wait()
	stats := q.Stats()
	assert.Equal(t, 5, stats.Len)
	assert.Equal(t, uint64(400), stats.Puts)
	assert.Equal(t, uint64(395), stats.Drops)
}
