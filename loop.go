package aio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

var (
	_ Executor = (*Loop)(nil)
	_ Service  = (*Loop)(nil)
)

// shutdownPollInterval bounds how long a shutdown pump blocks in the poller
// per lap, so cancellation of the shutdown context is noticed promptly.
const shutdownPollInterval = 10 * time.Millisecond

// Loop is a cooperative task executor driven by whichever goroutine calls
// Run or Get; it owns no goroutine of its own. Tasks are plain functions
// executed in FIFO order, with a deferred queue drained only when the ready
// queue is empty. Blocking is delegated to the Poll instance, so readiness
// events and timer expiry are serviced between tasks.
//
// Any goroutine may submit work. Only one goroutine at a time may drive the
// loop; a second concurrent driver gets ErrLoopRunning.
type Loop struct {
	_ [0]func()

	poll *Poll
	ctx  *Context
	log  *logiface.Logger[logiface.Event]

	// phase is read by producers deciding whether to wake the driver.
	phase *loopState
	// runGID identifies the driving goroutine, zero when idle.
	runGID atomic.Uint64

	stopped atomic.Bool

	mu       sync.Mutex
	ready    *taskQueue
	deferred *taskQueue

	// outstanding counts work the loop is waiting on: executing tasks,
	// pending timer waits, registered watches, and caller-managed brackets
	// opened via OnTaskStarted.
	outstanding atomic.Int64

	timersMu sync.RWMutex
	timers   []*TimerQueue

	draining atomic.Bool
	ackMu    sync.Mutex
	ack      func()
}

// NewLoop creates a loop blocking on poll. If ctx is non-nil the loop
// registers itself as a service and becomes a candidate to pump the
// shutdown drain.
func NewLoop(ctx *Context, poll *Poll, opts ...LoopOption) (*Loop, error) {
	if poll == nil {
		return nil, errors.New("aio: nil poll")
	}
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		poll:     poll,
		ctx:      ctx,
		log:      cfg.logger,
		phase:    newLoopState(),
		ready:    newTaskQueue(),
		deferred: newTaskQueue(),
	}
	if ctx != nil {
		if err := ctx.Insert(l); err != nil {
			return nil, err
		}
		ctx.attachPump(l)
	}
	return l, nil
}

// Post enqueues fn to run in a later loop iteration. It never runs fn
// inline and never fails; posting to a stopped loop queues the work for the
// next Run.
func (l *Loop) Post(fn func()) error {
	return l.enqueue(fn, false)
}

// Defer enqueues fn behind all tasks that are ready at the time of the
// call. Deferred work runs only once the ready queue is empty, which makes
// it suitable for continuations that must not starve queued tasks.
func (l *Loop) Defer(fn func()) error {
	return l.enqueue(fn, true)
}

func (l *Loop) enqueue(fn func(), deferred bool) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if deferred {
		l.deferred.push(fn)
	} else {
		l.ready.push(fn)
	}
	l.mu.Unlock()
	// Wake a driver that is, or is about to be, blocked in the poller. The
	// driver publishes phasePolling before its final queue check, so either
	// it sees this push or this load sees phasePolling.
	if l.phase.load() == phasePolling {
		l.poll.wake()
	}
	return nil
}

// Dispatch runs fn inline when called from a task already executing on this
// loop, and otherwise behaves like Post.
func (l *Loop) Dispatch(fn func()) error {
	if fn == nil {
		return nil
	}
	if l.RunningInThisGoroutine() {
		fn()
		return nil
	}
	return l.Post(fn)
}

// RunningInThisGoroutine reports whether the calling goroutine is currently
// driving this loop.
func (l *Loop) RunningInThisGoroutine() bool {
	gid := l.runGID.Load()
	return gid != 0 && gid == goroutineID()
}

// OnTaskStarted opens an outstanding-work bracket. While any bracket is
// open, Run treats the loop as busy and keeps blocking for work instead of
// returning out-of-work.
func (l *Loop) OnTaskStarted() {
	l.outstanding.Add(1)
}

// OnTaskFinished closes a bracket opened by OnTaskStarted. It panics if the
// counter would go negative, mirroring sync.WaitGroup.
func (l *Loop) OnTaskFinished() {
	n := l.outstanding.Add(-1)
	if n < 0 {
		panic("aio: OnTaskFinished without matching OnTaskStarted")
	}
	if n == 0 {
		l.maybeAckShutdown()
		// A driver blocked in the poller must notice quiescence. Pairs with
		// the outstanding re-check next performs after entering phasePolling.
		if l.phase.load() == phasePolling {
			l.poll.wake()
		}
	}
}

// Outstanding returns the number of open work brackets.
func (l *Loop) Outstanding() int64 {
	return l.outstanding.Load()
}

// Stop marks the loop stopped and unblocks the driver. Pending tasks stay
// queued; Restart followed by Run resumes them. Safe from any goroutine,
// including loop tasks.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.poll.Stop()
	l.log.Debug().Log("loop stopped")
}

// Stopped reports whether Stop has been called without a later Restart.
func (l *Loop) Stopped() bool {
	return l.stopped.Load()
}

// Restart clears the stopped state so the loop can be driven again. It
// fails with ErrLoopRunning while a driver is active.
func (l *Loop) Restart() error {
	if l.runGID.Load() != 0 {
		return ErrLoopRunning
	}
	l.stopped.Store(false)
	l.log.Debug().Log("loop restarted")
	return nil
}

// Get dequeues one ready task, blocking until a task exists, one of the
// futures settles (ErrFutureSettled), the loop is stopped (ErrLoopStopped),
// or the loop runs out of work entirely (ErrOutOfWork). A ready task takes
// priority over a settled future, and pending futures suppress the
// out-of-work return, so an idle loop keeps blocking while a supplied
// future may still settle. The returned task has not been executed; running
// it is the caller's responsibility.
func (l *Loop) Get(futures ...*Future) (Task, error) {
	return l.get(time.Time{}, futures)
}

// GetUntil is Get with a deadline, returning ErrDeadline once it passes. A
// zero deadline never expires.
func (l *Loop) GetUntil(deadline time.Time, futures ...*Future) (Task, error) {
	return l.get(deadline, futures)
}

func (l *Loop) get(deadline time.Time, futures []*Future) (Task, error) {
	if err := l.claim(); err != nil {
		return Task{}, err
	}
	defer l.release()
	fn, err := l.next(deadline, futures)
	if err != nil {
		return Task{}, err
	}
	return Task{Exec: l, Run: fn}, nil
}

// Run executes queued tasks until the loop is stopped, one of the futures
// settles, or the loop is quiescent: no queued tasks, no outstanding work,
// and no supplied futures pending. Ready work drains before a settled
// future ends the run. It returns the number of tasks executed. Poller
// failures end the run early and are logged.
func (l *Loop) Run(futures ...*Future) int {
	n, err := l.run(time.Time{}, futures)
	l.logRunExit(n, err)
	return n
}

// RunUntil is Run with a deadline. A zero deadline never expires.
func (l *Loop) RunUntil(deadline time.Time, futures ...*Future) int {
	n, err := l.run(deadline, futures)
	l.logRunExit(n, err)
	return n
}

func (l *Loop) run(deadline time.Time, futures []*Future) (int, error) {
	if err := l.claim(); err != nil {
		return 0, err
	}
	defer l.release()
	n := 0
	for {
		fn, err := l.next(deadline, futures)
		if err != nil {
			return n, err
		}
		l.OnTaskStarted()
		l.safeExecute(fn)
		l.OnTaskFinished()
		n++
	}
}

func (l *Loop) logRunExit(n int, err error) {
	switch {
	case err == nil,
		errors.Is(err, ErrLoopStopped),
		errors.Is(err, ErrDeadline),
		errors.Is(err, ErrFutureSettled),
		errors.Is(err, ErrOutOfWork),
		errors.Is(err, ErrLoopRunning):
		l.log.Trace().Err(err).Int("tasks", n).Log("run returned")
	default:
		l.log.Err().Err(err).Int("tasks", n).Log("run aborted")
	}
}

// claim takes exclusive driver ownership for the calling goroutine.
func (l *Loop) claim() error {
	if !l.runGID.CompareAndSwap(0, goroutineID()) {
		return ErrLoopRunning
	}
	l.phase.store(phaseRunning)
	return nil
}

func (l *Loop) release() {
	l.phase.store(phaseIdle)
	l.runGID.Store(0)
}

// next blocks until a task is ready or one of the unblock conditions holds,
// in priority order: stop, ready task, settled future, deadline, out of
// work. Pending supplied futures keep an otherwise idle loop blocking, so a
// future settled from outside the loop still unblocks its driver. The
// caller must hold the driver claim.
func (l *Loop) next(deadline time.Time, futures []*Future) (func(), error) {
	if len(futures) > 0 {
		remove := attachWakers(futures, l.poll.wake)
		defer remove()
	}
	for {
		if l.stopped.Load() {
			return nil, ErrLoopStopped
		}
		l.fireTimers()
		if fn, ok := l.dequeue(); ok {
			return fn, nil
		}
		if anySettled(futures) {
			return nil, ErrFutureSettled
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, ErrDeadline
		}
		if len(futures) == 0 && l.outstanding.Load() == 0 && l.queuesEmpty() {
			l.maybeAckShutdown()
			return nil, ErrOutOfWork
		}
		if !l.phase.tryTransition(phaseRunning, phasePolling) {
			continue
		}
		// Producers that saw phaseRunning pushed before this re-check;
		// producers that see phasePolling will wake the poller. The same
		// handshake covers the outstanding counter dropping to zero.
		if l.stopped.Load() || anySettled(futures) ||
			(len(futures) == 0 && l.outstanding.Load() == 0) || !l.queuesEmpty() {
			l.phase.tryTransition(phasePolling, phaseRunning)
			continue
		}
		_, err := l.poll.Wait(l.waitTimeout(deadline))
		l.phase.tryTransition(phasePolling, phaseRunning)
		if err != nil {
			return nil, err
		}
	}
}

// dequeue pops the next task, preferring ready work over deferred work.
func (l *Loop) dequeue() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn, ok := l.ready.pop(); ok {
		return fn, true
	}
	return l.deferred.pop()
}

func (l *Loop) queuesEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready.length() == 0 && l.deferred.length() == 0
}

// waitTimeout computes how long the poller may block: bounded by the get or
// run deadline and by the earliest pending timer, unbounded otherwise.
func (l *Loop) waitTimeout(deadline time.Time) time.Duration {
	timeout := time.Duration(-1)
	if !deadline.IsZero() {
		timeout = time.Until(deadline)
		if timeout < 0 {
			timeout = 0
		}
	}
	if next, ok := l.nextTimerDelay(); ok && (timeout < 0 || next < timeout) {
		timeout = next
	}
	return timeout
}

func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Err().Any("panic", r).Log("task panicked")
		}
	}()
	fn()
}

// attachTimers registers a timer queue for expiry servicing by the driver.
func (l *Loop) attachTimers(q *TimerQueue) {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()
	l.timers = append(l.timers, q)
}

func (l *Loop) fireTimers() {
	l.timersMu.RLock()
	defer l.timersMu.RUnlock()
	for _, q := range l.timers {
		q.fire()
	}
}

func (l *Loop) nextTimerDelay() (time.Duration, bool) {
	l.timersMu.RLock()
	defer l.timersMu.RUnlock()
	best := time.Duration(-1)
	for _, q := range l.timers {
		when, ok := q.nextDeadline()
		if !ok {
			continue
		}
		d := when.Sub(q.now())
		if d < 0 {
			d = 0
		}
		if best < 0 || d < best {
			best = d
		}
	}
	return best, best >= 0
}

// OnShutdown implements Service. The loop acknowledges once it is drained:
// empty queues and zero outstanding work. Draining is driven either by the
// goroutine already running the loop or by the shutdown pump.
func (l *Loop) OnShutdown(ack func()) {
	l.ackMu.Lock()
	l.ack = ack
	l.ackMu.Unlock()
	l.draining.Store(true)
	l.maybeAckShutdown()
	l.poll.wake()
}

// OnFork implements Service. Loop state lives in process memory; nothing to
// rebuild.
func (l *Loop) OnFork(ForkEvent) error {
	return nil
}

func (l *Loop) maybeAckShutdown() {
	if !l.draining.Load() || l.outstanding.Load() != 0 || !l.queuesEmpty() {
		return
	}
	l.ackMu.Lock()
	ack := l.ack
	l.ack = nil
	l.ackMu.Unlock()
	if ack != nil {
		ack()
	}
}

// pumpShutdown drives the loop during Context.Shutdown until every service
// acknowledged (done closes) or ctx expires. If another goroutine is
// already driving the loop the pump only waits; the active driver performs
// the drain. Called reentrantly from a loop task, it drains inline.
func (l *Loop) pumpShutdown(ctx context.Context, done <-chan struct{}) error {
	gid := goroutineID()
	claimed := l.runGID.CompareAndSwap(0, gid)
	if !claimed && l.runGID.Load() != gid {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if claimed {
		l.phase.store(phaseRunning)
		defer l.release()
	} else {
		// Reentrant: called from a task executing on this loop. That task's
		// bracket cannot close until this call returns, so suspend it for
		// the drain or the loop would never look idle.
		l.OnTaskFinished()
		defer l.OnTaskStarted()
	}
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		l.fireTimers()
		if fn, ok := l.dequeue(); ok {
			l.OnTaskStarted()
			l.safeExecute(fn)
			l.OnTaskFinished()
			continue
		}
		l.maybeAckShutdown()
		timeout := l.waitTimeout(time.Time{})
		if timeout < 0 || timeout > shutdownPollInterval {
			timeout = shutdownPollInterval
		}
		if _, err := l.poll.Wait(timeout); err != nil {
			return err
		}
	}
}
