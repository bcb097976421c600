package aio

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

var _ Executor = (*Strand)(nil)

// Strand wraps an inner executor with a serialization guarantee: work
// submitted through the strand runs one entry at a time, in FIFO order, with
// a happens-before edge between consecutive entries. Entries still execute
// on the inner executor; the strand itself owns no goroutine.
//
// Multiple strands over the same inner executor are independent, which makes
// a strand the cheap alternative to a dedicated loop per logical connection.
type Strand struct {
	_ [0]func()

	inner Executor

	// runGID is the goroutine currently executing a strand entry, for
	// Dispatch and RunningInThisGoroutine. Zero when no entry is running.
	runGID atomic.Uint64

	mu      sync.Mutex
	pending *queue.Queue
	// active is true while an entry is queued on the inner executor or
	// executing. Exactly one entry is in flight at a time.
	active bool
}

type strandEntry struct {
	fn       func()
	deferred bool
}

// NewStrand returns a strand serializing work onto inner.
func NewStrand(inner Executor) *Strand {
	if inner == nil {
		panic("aio: NewStrand requires an inner executor")
	}
	return &Strand{inner: inner, pending: queue.New()}
}

// Post enqueues fn behind all previously submitted strand work.
func (s *Strand) Post(fn func()) error {
	return s.submit(fn, false)
}

// Defer is Post, forwarded to the inner executor's Defer for the entry.
func (s *Strand) Defer(fn func()) error {
	return s.submit(fn, true)
}

// Dispatch runs fn inline when called from within a strand entry, which is
// already serialized, and otherwise behaves like Post.
func (s *Strand) Dispatch(fn func()) error {
	if fn == nil {
		return nil
	}
	if s.RunningInThisGoroutine() {
		fn()
		return nil
	}
	return s.submit(fn, false)
}

// RunningInThisGoroutine reports whether the calling goroutine is currently
// executing a strand entry.
func (s *Strand) RunningInThisGoroutine() bool {
	gid := s.runGID.Load()
	return gid != 0 && gid == goroutineID()
}

func (s *Strand) submit(fn func(), deferred bool) error {
	if fn == nil {
		return nil
	}
	e := strandEntry{fn: fn, deferred: deferred}
	s.mu.Lock()
	if s.active {
		s.pending.Add(e)
		s.mu.Unlock()
		return nil
	}
	s.active = true
	s.mu.Unlock()
	if err := s.forward(e); err != nil {
		// The head entry never reached the inner executor. Keep the chain
		// alive for anything queued behind it and report to the caller.
		s.forwardNext()
		return err
	}
	return nil
}

// forward hands a single entry to the inner executor.
func (s *Strand) forward(e strandEntry) error {
	run := func() { s.runEntry(e.fn) }
	if e.deferred {
		return s.inner.Defer(run)
	}
	return s.inner.Post(run)
}

// runEntry executes one entry and then forwards the next, maintaining the
// one-in-flight invariant. The next entry is forwarded even if fn panics.
func (s *Strand) runEntry(fn func()) {
	s.runGID.Store(goroutineID())
	defer func() {
		s.runGID.Store(0)
		s.forwardNext()
	}()
	fn()
}

// forwardNext pops queued entries until one is accepted by the inner
// executor or the queue drains. Entries rejected by the inner executor are
// dropped; only a broken executor rejects, and stalling the strand on it
// would hide the failure indefinitely.
func (s *Strand) forwardNext() {
	for {
		s.mu.Lock()
		if s.pending.Length() == 0 {
			s.active = false
			s.mu.Unlock()
			return
		}
		e := s.pending.Remove().(strandEntry)
		s.mu.Unlock()
		if s.forward(e) == nil {
			return
		}
	}
}
