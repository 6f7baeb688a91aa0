package workerpool

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubmit_OverflowDoesNotBlock(t *testing.T) {
	p := New[int](Config{Name: "test", Workers: 1, QueueSize: 2}, func(context.Context, []int) {}, discardLogger())

	var rejected []int
	p.OnOverflow(func(task int) { rejected = append(rejected, task) })

	assert.True(t, p.Submit(1))
	assert.True(t, p.Submit(2))
	assert.False(t, p.Submit(3))
	assert.False(t, p.Submit(4))

	assert.Equal(t, []int{3, 4}, rejected)
	assert.Equal(t, 2, p.QueueSize())
	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Dropped)
	assert.Equal(t, 2, stats.Capacity)
}

func TestStart_ProcessesEveryTask(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[int]bool{}
		wg   sync.WaitGroup
	)
	p := New[int](Config{Name: "test", Workers: 4, QueueSize: 100}, func(_ context.Context, batch []int) {
		mu.Lock()
		defer mu.Unlock()
		for _, v := range batch {
			seen[v] = true
			wg.Done()
		}
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	wg.Add(50)
	for i := range 50 {
		require.True(t, p.Submit(i))
	}
	wg.Wait()

	mu.Lock()
	assert.Len(t, seen, 50)
	mu.Unlock()

	cancel()
	p.Wait()
}

func TestStart_DrainsUpToBatchSize(t *testing.T) {
	batches := make(chan []int, 10)
	p := New[int](Config{Name: "batch", Workers: 1, QueueSize: 10, BatchSize: 4}, func(_ context.Context, batch []int) {
		batches <- append([]int(nil), batch...)
	}, discardLogger())

	for i := range 6 {
		require.True(t, p.Submit(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	assert.Equal(t, []int{0, 1, 2, 3}, <-batches)
	assert.Equal(t, []int{4, 5}, <-batches)
}

func TestStart_PanicDoesNotKillWorker(t *testing.T) {
	done := make(chan int, 3)
	p := New[int](Config{Name: "panicky", Workers: 1, QueueSize: 10}, func(_ context.Context, batch []int) {
		if batch[0] == 1 {
			panic("bad task")
		}
		done <- batch[0]
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Submit(0)
	p.Submit(1)
	p.Submit(2)

	assert.Equal(t, 0, <-done)
	assert.Equal(t, 2, <-done)
	assert.Equal(t, uint64(1), p.Stats().Panics)
	assert.Zero(t, p.Stats().Restarts)
}

func TestStart_SupervisedRestart(t *testing.T) {
	var calls atomic.Int32
	done := make(chan int, 1)
	p := New[int](Config{
		Name: "supervised", Workers: 1, QueueSize: 10,
		RestartMin: time.Millisecond, RestartMax: 10 * time.Millisecond,
	}, func(_ context.Context, batch []int) {
		if calls.Add(1) == 1 {
			panic("crash")
		}
		done <- batch[0]
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	p.Submit(1)
	p.Submit(2)

	select {
	case v := <-done:
		assert.Equal(t, 2, v)
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not restarted")
	}
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Panics)
	assert.Equal(t, uint64(1), stats.Restarts)
}

func TestStart_StopsOnCancel(t *testing.T) {
	p := New[int](Config{Name: "stop", Workers: 3, QueueSize: 1}, func(context.Context, []int) {}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	p.Start(ctx)
	cancel()

	stopped := make(chan struct{})
	go func() {
		p.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}
}
