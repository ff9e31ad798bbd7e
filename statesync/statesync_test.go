package statesync_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-auth-client/statesync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommitter struct {
	mu sync.Mutex
	ch chan struct{}
}

func newFakeCommitter() *fakeCommitter {
	return &fakeCommitter{ch: make(chan struct{})}
}

func (f *fakeCommitter) Committed() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}

func (f *fakeCommitter) commit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.ch)
	f.ch = make(chan struct{})
}

func TestEnsureStateSyncWaitsAtLeastOneFrame(t *testing.T) {
	start := time.Now()
	require.NoError(t, statesync.EnsureStateSync(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), statesync.FrameDuration+10*time.Millisecond)
}

func TestEnsureStateSyncHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := statesync.EnsureStateSync(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForCommit(t *testing.T) {
	c := newFakeCommitter()

	done := make(chan error, 1)
	go func() {
		done <- statesync.WaitForCommit(context.Background(), c, time.Second)
	}()

	time.Sleep(5 * time.Millisecond)
	c.commit()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("commit was not observed")
	}
}

func TestWaitForCommitFallback(t *testing.T) {
	err := statesync.WaitForCommit(context.Background(), newFakeCommitter(), 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state commit not observed")
}

func TestWaitForCommitContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := statesync.WaitForCommit(ctx, newFakeCommitter(), 0)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDebouncerTrailingCallGetsLastArgument(t *testing.T) {
	var (
		calls atomic.Int32
		got   atomic.Value
	)
	fired := make(chan struct{}, 1)

	d := statesync.NewDebouncer(func(v string) {
		calls.Add(1)
		got.Store(v)
		fired <- struct{}{}
	}, 20*time.Millisecond)

	d.Call("a")
	d.Call("b")
	d.Call("c")
	assert.True(t, d.Pending())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("debounced function never ran")
	}

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "c", got.Load())
	assert.False(t, d.Pending())
}

func TestDebouncerCancel(t *testing.T) {
	var calls atomic.Int32
	d := statesync.NewDebouncer(func(int) { calls.Add(1) }, 10*time.Millisecond)

	d.Call(1)
	d.Cancel()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestDebouncerFlush(t *testing.T) {
	var got []int
	d := statesync.NewDebouncer(func(v int) { got = append(got, v) }, time.Hour)

	d.Flush()
	assert.Empty(t, got)

	d.Call(1)
	d.Call(2)
	d.Flush()
	assert.Equal(t, []int{2}, got)
	assert.False(t, d.Pending())
}

func TestOnce(t *testing.T) {
	var calls atomic.Int32
	get := statesync.Once(func() int {
		calls.Add(1)
		return 42
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 42, get())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestOnceErr(t *testing.T) {
	var calls int
	boom := errors.New("boom")
	get := statesync.OnceErr(func() (string, error) {
		calls++
		return "", boom
	})

	_, err := get()
	assert.ErrorIs(t, err, boom)
	_, err = get()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
