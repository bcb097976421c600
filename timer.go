package aio

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

var _ Service = (*TimerQueue)(nil)

// Clock is the time source for a TimerQueue.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock time source used by default.
func SystemClock() Clock { return systemClock{} }

const (
	waitPending int32 = iota
	waitFired
	waitCanceled
)

// TimerWait is a single pending deadline. Exactly one of the fire and
// cancel outcomes is delivered to its completion function.
type TimerWait struct {
	deadline time.Time
	exec     Executor
	fn       func(error)
	q        *TimerQueue

	// state arbitrates the fire/cancel race; the CAS winner delivers.
	state atomic.Int32
	// index is the heap position, -1 once removed.
	index int
}

// Deadline returns the wait's expiry time.
func (w *TimerWait) Deadline() time.Time { return w.deadline }

// timerHeap orders waits by deadline, earliest first.
type timerHeap []*TimerWait

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	w := x.(*TimerWait)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// TimerQueue schedules completions at deadlines, serviced by the loop's
// driver between tasks. Every pending wait counts as outstanding work on
// the loop. Deadlines are evaluated against the queue's Clock, which is
// replaceable for tests via WithClock.
type TimerQueue struct {
	_ [0]func()

	loop  *Loop
	clock Clock
	log   *logiface.Logger[logiface.Event]

	mu     sync.Mutex
	waits  timerHeap
	closed bool
}

// NewTimerQueue creates a timer queue serviced by loop. If the loop has a
// Context the queue registers itself as a service.
func NewTimerQueue(loop *Loop, opts ...TimerOption) (*TimerQueue, error) {
	if loop == nil {
		return nil, errors.New("aio: nil loop")
	}
	cfg, err := resolveTimerOptions(opts)
	if err != nil {
		return nil, err
	}
	q := &TimerQueue{loop: loop, clock: cfg.clock, log: cfg.logger}
	if q.log == nil {
		q.log = loop.log
	}
	if loop.ctx != nil {
		if err := loop.ctx.Insert(q); err != nil {
			return nil, err
		}
	}
	loop.attachTimers(q)
	return q, nil
}

// SubmitWait schedules fn to be posted to exec once deadline passes,
// receiving nil on expiry or ErrCanceled if the wait is canceled first. A
// nil exec uses the queue's loop. A deadline already in the past fires on
// the next loop iteration.
func (q *TimerQueue) SubmitWait(deadline time.Time, exec Executor, fn func(error)) (*TimerWait, error) {
	if fn == nil {
		return nil, errors.New("aio: nil completion")
	}
	if exec == nil {
		exec = q.loop
	}
	w := &TimerWait{deadline: deadline, exec: exec, fn: fn, q: q}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrShutdown
	}
	heap.Push(&q.waits, w)
	earliest := q.waits[0] == w
	q.mu.Unlock()
	q.loop.OnTaskStarted()
	if earliest {
		// The driver may be blocked with a longer timeout; make it
		// recompute against the new front of the heap.
		q.loop.poll.wake()
	}
	return w, nil
}

// CancelWait cancels a pending wait, returning true if it won the race
// against expiry. The completion still runs, with ErrCanceled.
func (q *TimerQueue) CancelWait(w *TimerWait) bool {
	if w == nil || w.q != q {
		return false
	}
	if !w.state.CompareAndSwap(waitPending, waitCanceled) {
		return false
	}
	q.mu.Lock()
	if w.index >= 0 {
		heap.Remove(&q.waits, w.index)
	}
	q.mu.Unlock()
	q.complete(w, ErrCanceled)
	return true
}

// WaitFor schedules a wait of duration d and returns a future settling when
// it fires (Completed) or is canceled (Canceled). The returned cancel
// function reports whether it canceled the wait.
func (q *TimerQueue) WaitFor(d time.Duration, exec Executor) (*Future, func() bool, error) {
	return q.WaitUntil(q.clock.Now().Add(d), exec)
}

// WaitUntil is WaitFor with an absolute deadline.
func (q *TimerQueue) WaitUntil(deadline time.Time, exec Executor) (*Future, func() bool, error) {
	promise, future := NewPromise()
	w, err := q.SubmitWait(deadline, exec, func(err error) {
		if errors.Is(err, ErrCanceled) {
			future.Cancel()
			return
		}
		_ = promise.Set(nil, err)
	})
	if err != nil {
		return nil, nil, err
	}
	return future, func() bool { return q.CancelWait(w) }, nil
}

// Len returns the number of pending waits.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waits)
}

// fire delivers every expired wait. Called by the loop driver.
func (q *TimerQueue) fire() {
	now := q.clock.Now()
	for {
		q.mu.Lock()
		if len(q.waits) == 0 || q.waits[0].deadline.After(now) {
			q.mu.Unlock()
			return
		}
		w := heap.Pop(&q.waits).(*TimerWait)
		q.mu.Unlock()
		if !w.state.CompareAndSwap(waitPending, waitFired) {
			continue // lost to a concurrent cancel
		}
		q.complete(w, nil)
	}
}

// complete posts the outcome and closes the wait's outstanding bracket.
func (q *TimerQueue) complete(w *TimerWait, err error) {
	fn := w.fn
	_ = w.exec.Post(func() { fn(err) })
	q.loop.OnTaskFinished()
}

// nextDeadline returns the earliest pending deadline.
func (q *TimerQueue) nextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waits) == 0 {
		return time.Time{}, false
	}
	return q.waits[0].deadline, true
}

func (q *TimerQueue) now() time.Time {
	return q.clock.Now()
}

// OnShutdown implements Service. Pending waits are canceled so their
// completions drain through the loop before it acknowledges.
func (q *TimerQueue) OnShutdown(ack func()) {
	q.mu.Lock()
	q.closed = true
	pending := make([]*TimerWait, len(q.waits))
	copy(pending, q.waits)
	for _, w := range pending {
		w.index = -1
	}
	q.waits = q.waits[:0]
	q.mu.Unlock()
	canceled := 0
	for _, w := range pending {
		if w.state.CompareAndSwap(waitPending, waitCanceled) {
			q.complete(w, ErrCanceled)
			canceled++
		}
	}
	if canceled > 0 {
		q.log.Debug().Int("canceled", canceled).Log("timer queue canceled pending waits at shutdown")
	}
	ack()
}

// OnFork implements Service. Timer state lives in process memory; nothing
// to rebuild.
func (q *TimerQueue) OnFork(ForkEvent) error {
	return nil
}
