package aio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// FutureState describes the observable lifecycle of a Future.
type FutureState int32

const (
	// Pending means the future has not settled.
	Pending FutureState = iota
	// Completed means a value or error was delivered via Promise.Set.
	Completed
	// Canceled means Future.Cancel won the race against Promise.Set.
	Canceled
)

func (s FutureState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Internal settle protocol. stateSettling is a transient phase between
// winning the Pending CAS and publishing the stored value; State maps it
// back to Pending so observers never see a half-written result.
const (
	statePending  = int32(Pending)
	stateComplete = int32(Completed)
	stateCanceled = int32(Canceled)
	stateSettling = int32(3)
)

// futureShared is the state shared by a Promise and its Futures. Settling is
// lock free: writers race on a single CAS from statePending, the winner
// publishes exactly once, and everything downstream (done channel, wakers,
// continuation) fires from that one settle call.
type futureShared struct {
	state atomic.Int32
	value any
	err   error

	done chan struct{}

	contAttached atomic.Bool
	contPosted   atomic.Bool
	cont         atomic.Pointer[Task]

	wakerMu     sync.Mutex
	wakers      map[uint64]func()
	wakerSeq    uint64
	wakersFired bool
}

// settle runs exactly once, after the terminal state has been stored.
func (s *futureShared) settle() {
	close(s.done)
	s.wakerMu.Lock()
	s.wakersFired = true
	wakers := s.wakers
	s.wakers = nil
	s.wakerMu.Unlock()
	for _, wake := range wakers {
		wake()
	}
	s.postContinuation()
}

// postContinuation submits the attached continuation, if any. Both the
// settle path and the attach path call this; the contPosted claim ensures
// the task is posted exactly once no matter how the two interleave.
func (s *futureShared) postContinuation() {
	t := s.cont.Load()
	if t == nil {
		return
	}
	if !s.contPosted.CompareAndSwap(false, true) {
		return
	}
	t.post()
}

// Promise is the producer side of a one-shot asynchronous result. It is safe
// for concurrent use; the first Set or Cancel (via the Future) wins.
type Promise struct {
	s *futureShared
}

// Future is the consumer side of a one-shot asynchronous result.
type Future struct {
	s *futureShared
}

// NewPromise returns a connected promise/future pair in the Pending state.
func NewPromise() (*Promise, *Future) {
	s := &futureShared{done: make(chan struct{})}
	return &Promise{s: s}, &Future{s: s}
}

// Future returns another handle to the promise's future. All handles share
// the same state.
func (p *Promise) Future() *Future {
	return &Future{s: p.s}
}

// Set delivers the result. It returns ErrPromiseSatisfied if the future has
// already completed or been canceled.
func (p *Promise) Set(value any, err error) error {
	s := p.s
	if !s.state.CompareAndSwap(statePending, stateSettling) {
		return ErrPromiseSatisfied
	}
	s.value = value
	s.err = err
	s.state.Store(stateComplete)
	s.settle()
	return nil
}

// Cancel moves the future to Canceled, returning true if it won the race
// against Promise.Set. A canceled future reports ErrCanceled from Err.
func (f *Future) Cancel() bool {
	s := f.s
	if !s.state.CompareAndSwap(statePending, stateCanceled) {
		return false
	}
	s.settle()
	return true
}

// State returns the current state of the future.
func (f *Future) State() FutureState {
	st := f.s.state.Load()
	if st == stateSettling {
		return Pending
	}
	return FutureState(st)
}

// Value returns the delivered value, or nil unless the future completed.
func (f *Future) Value() any {
	if f.State() != Completed {
		return nil
	}
	return f.s.value
}

// Err returns the delivered error for a completed future, ErrCanceled for a
// canceled one, and nil while pending.
func (f *Future) Err() error {
	switch f.State() {
	case Completed:
		return f.s.err
	case Canceled:
		return ErrCanceled
	default:
		return nil
	}
}

// Done returns a channel that is closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.s.done
}

// Get blocks until the future settles or ctx is done, then returns the
// result as Value and Err would.
func (f *Future) Get(ctx context.Context) (any, error) {
	if ctx == nil {
		<-f.s.done
	} else {
		select {
		case <-f.s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.Value(), f.Err()
}

// Then attaches the continuation fn to run on exec once the future settles.
// At most one continuation may ever be attached to a future; a second call
// returns ErrContinuationAttached. If the future has already settled the
// continuation is posted immediately. The continuation is posted, never run
// inline, so it always observes the settled state.
func (f *Future) Then(exec Executor, fn func()) error {
	if exec == nil {
		return errors.New("aio: nil executor")
	}
	if fn == nil {
		return errors.New("aio: nil continuation")
	}
	s := f.s
	if !s.contAttached.CompareAndSwap(false, true) {
		return ErrContinuationAttached
	}
	s.cont.Store(&Task{Exec: exec, Run: fn})
	if f.State() != Pending {
		// Settled before the task was stored; the settle path may have
		// missed it, so post from here. contPosted deduplicates. A writer
		// still mid-settle is treated as pending: its settle call is
		// ordered after the store above and will pick the task up.
		s.postContinuation()
	}
	return nil
}

// addWaker registers fn to be invoked once when the future settles, for
// waking blocked loop drivers. If the future has already settled fn runs
// immediately. The returned function deregisters fn; it is safe to call
// after the waker has fired.
func (f *Future) addWaker(fn func()) (remove func()) {
	s := f.s
	s.wakerMu.Lock()
	if s.wakersFired {
		s.wakerMu.Unlock()
		fn()
		return func() {}
	}
	s.wakerSeq++
	id := s.wakerSeq
	if s.wakers == nil {
		s.wakers = make(map[uint64]func())
	}
	s.wakers[id] = fn
	s.wakerMu.Unlock()
	return func() {
		s.wakerMu.Lock()
		delete(s.wakers, id)
		s.wakerMu.Unlock()
	}
}

// anySettled reports whether any of the given futures has settled. Nil
// entries are ignored.
func anySettled(futures []*Future) bool {
	for _, f := range futures {
		if f != nil && f.State() != Pending {
			return true
		}
	}
	return false
}

// attachWakers registers a wake callback on every future and returns a
// single function removing them all.
func attachWakers(futures []*Future, wake func()) (remove func()) {
	removers := make([]func(), 0, len(futures))
	for _, f := range futures {
		if f == nil {
			continue
		}
		removers = append(removers, f.addWaker(wake))
	}
	return func() {
		for _, r := range removers {
			r()
		}
	}
}
