// Package statesync holds small helpers to wait until a committed session
// state is observable, debounce bursts of calls, and memoize one time work.
package statesync

import (
	"context"
	"runtime"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// FrameDuration is one render frame at 60Hz
const FrameDuration = 16 * time.Millisecond

// ErrCommitTimeout is returned when no commit was observed within the
// fallback bound.
var ErrCommitTimeout = goerrors.New("state commit not observed", goerrors.CategoryOperation).
	WithTextCode("COMMIT_TIMEOUT")

// Committer publishes a channel closed at the next state commit
type Committer interface {
	Committed() <-chan struct{}
}

// EnsureStateSync yields to other goroutines and then waits one frame plus
// extraDelay. Prefer WaitForCommit when a Committer is at hand.
func EnsureStateSync(ctx context.Context, extraDelay time.Duration) error {
	runtime.Gosched()

	if extraDelay < 0 {
		extraDelay = 0
	}

	timer := time.NewTimer(FrameDuration + extraDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForCommit blocks until the next commit of c. fallback bounds the
// wait, zero waits until ctx is done.
func WaitForCommit(ctx context.Context, c Committer, fallback time.Duration) error {
	committed := c.Committed()

	var timeout <-chan time.Time
	if fallback > 0 {
		timer := time.NewTimer(fallback)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-committed:
		return nil
	case <-timeout:
		return ErrCommitTimeout.Clone().WithMetadata(map[string]any{"fallback": fallback.String()})
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Debouncer delays fn until wait has passed without another Call. The
// trailing invocation receives the last argument.
type Debouncer[T any] struct {
	mu         sync.Mutex
	fn         func(T)
	wait       time.Duration
	timer      *time.Timer
	pending    bool
	last       T
	generation uint64
}

func NewDebouncer[T any](fn func(T), wait time.Duration) *Debouncer[T] {
	return &Debouncer[T]{fn: fn, wait: wait}
}

// Call schedules fn(v), replacing any scheduled call
func (d *Debouncer[T]) Call(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.last = v
	d.pending = true
	d.generation++
	gen := d.generation

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, func() {
		d.fire(gen)
	})
}

// Cancel drops the scheduled call
func (d *Debouncer[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
}

// Flush runs the scheduled call now, if any
func (d *Debouncer[T]) Flush() {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return
	}
	v := d.last
	d.stopLocked()
	d.mu.Unlock()

	d.fn(v)
}

// Pending reports whether a call is scheduled
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer[T]) fire(gen uint64) {
	d.mu.Lock()
	if !d.pending || gen != d.generation {
		d.mu.Unlock()
		return
	}
	v := d.last
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	d.fn(v)
}

func (d *Debouncer[T]) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = false
	d.generation++
	var zero T
	d.last = zero
}

// Once memoizes fn. Concurrent callers block until the first call returns.
func Once[T any](fn func() T) func() T {
	return sync.OnceValue(fn)
}

// OnceErr memoizes fn including its error
func OnceErr[T any](fn func() (T, error)) func() (T, error) {
	return sync.OnceValues(fn)
}
