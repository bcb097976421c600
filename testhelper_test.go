package aio

import (
	"sync"
	"testing"
	"time"
)

// newTestLoop builds the usual context/poll/loop trio, closing the poll when
// the test finishes.
func newTestLoop(t *testing.T, opts ...LoopOption) (*Context, *Loop) {
	t.Helper()
	ctx, err := NewContext()
	if err != nil {
		t.Fatal("NewContext failed:", err)
	}
	poll, err := NewPoll(ctx)
	if err != nil {
		t.Fatal("NewPoll failed:", err)
	}
	t.Cleanup(func() { _ = poll.Close() })
	loop, err := NewLoop(ctx, poll, opts...)
	if err != nil {
		t.Fatal("NewLoop failed:", err)
	}
	return ctx, loop
}

// recordingExec is a manual executor: posted work accumulates until drain
// runs it on the calling goroutine.
type recordingExec struct {
	mu    sync.Mutex
	queue []func()
}

func (e *recordingExec) Post(fn func()) error {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	return nil
}

func (e *recordingExec) Dispatch(fn func()) error { return e.Post(fn) }

func (e *recordingExec) Defer(fn func()) error { return e.Post(fn) }

func (e *recordingExec) RunningInThisGoroutine() bool { return false }

func (e *recordingExec) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *recordingExec) drain() int {
	n := 0
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return n
		}
		fn := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		fn()
		n++
	}
}

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// waitClosed fails the test if ch does not close within the timeout.
func waitClosed(t *testing.T, ch <-chan struct{}, timeout time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}
