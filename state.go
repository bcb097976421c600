package aio

import "sync/atomic"

// loopPhase tracks what the driver goroutine of a Loop is doing. Producers
// read it to decide whether a cross-goroutine wakeup is required: only a
// driver in phasePolling can be blocked in the poller.
type loopPhase uint64

const (
	// phaseIdle means no goroutine is driving the loop.
	phaseIdle loopPhase = iota
	// phaseRunning means the driver is executing tasks or checking queues.
	phaseRunning
	// phasePolling means the driver is blocked (or about to block) in the
	// poller and must be woken for new work to be noticed promptly.
	phasePolling
)

func (p loopPhase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseRunning:
		return "running"
	case phasePolling:
		return "polling"
	default:
		return "unknown"
	}
}

// loopState is an atomic loopPhase padded to its own cache line, keeping the
// hot producer-side load from false-sharing with the loop's queues.
type loopState struct {
	_ [64]byte
	v atomic.Uint64
	_ [56]byte
}

func newLoopState() *loopState {
	s := new(loopState)
	s.v.Store(uint64(phaseIdle))
	return s
}

func (s *loopState) load() loopPhase {
	return loopPhase(s.v.Load())
}

func (s *loopState) store(p loopPhase) {
	s.v.Store(uint64(p))
}

// tryTransition atomically moves from one phase to another, reporting
// whether the transition applied.
func (s *loopState) tryTransition(from, to loopPhase) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
