package aio

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

var _ Service = (*Poll)(nil)

// Poll multiplexes readiness notifications for registered handles and
// provides the blocking primitive underneath Loop. It wraps the platform
// backend (epoll on Linux, kqueue on Darwin, a completion port on Windows)
// together with a level-triggered wakeup channel usable from any goroutine.
//
// At most one goroutine may be blocked in Wait at a time. Everything else,
// including Stop, registration, and Close, is safe to call concurrently.
type Poll struct {
	_ [0]func()

	backend poller

	// stopPending is a one-shot interrupt token. Stop deposits it; the
	// next Wait call, current or future, consumes it and returns early.
	// Multiple deposits before consumption coalesce.
	stopPending atomic.Uint32

	closed atomic.Bool

	ctx *Context
	log *logiface.Logger[logiface.Event]
}

// NewPoll creates a poll instance. If ctx is non-nil the poll registers
// itself as a service for fork and shutdown notification.
func NewPoll(ctx *Context, opts ...PollOption) (*Poll, error) {
	cfg, err := resolvePollOptions(opts)
	if err != nil {
		return nil, err
	}
	p := &Poll{ctx: ctx, log: cfg.logger}
	if err := p.backend.init(cfg.eventBufferSize); err != nil {
		return nil, fmt.Errorf("aio: poll init: %w", err)
	}
	if ctx != nil {
		if err := ctx.Insert(p); err != nil {
			_ = p.backend.close()
			return nil, err
		}
	}
	return p, nil
}

// Wait blocks until at least one registered handle is ready, the timeout
// elapses, or the call is interrupted by Stop or a wakeup. It returns the
// number of watch callbacks dispatched; interrupts and timeouts return zero
// with a nil error. A negative timeout blocks without limit, zero polls
// without blocking, and sub-millisecond timeouts round up to one
// millisecond.
func (p *Poll) Wait(timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollClosed
	}
	if p.stopPending.CompareAndSwap(1, 0) {
		return 0, nil
	}
	n, err := p.backend.wait(durationToMillis(timeout))
	if err != nil {
		if p.closed.Load() {
			return 0, ErrPollClosed
		}
		return 0, fmt.Errorf("aio: poll wait: %w", err)
	}
	// Consume a token deposited while the backend was blocked so it cannot
	// spuriously interrupt an unrelated later wait.
	p.stopPending.CompareAndSwap(1, 0)
	return n, nil
}

// Stop interrupts the pending or next Wait call. Stops coalesce: any number
// of calls before the next Wait unblock exactly one wait.
func (p *Poll) Stop() {
	p.stopPending.Store(1)
	_ = p.backend.wakeup()
}

// wake interrupts a blocked Wait without depositing a stop token. Wakeups
// coalesce in the backend.
func (p *Poll) wake() {
	_ = p.backend.wakeup()
}

func (p *Poll) register(h Handle, events IOEvents, cb ioCallback) error {
	if p.closed.Load() {
		return ErrPollClosed
	}
	return p.backend.register(h, events, cb)
}

func (p *Poll) unregister(h Handle) error {
	if p.closed.Load() {
		return ErrPollClosed
	}
	return p.backend.unregister(h)
}

func (p *Poll) modify(h Handle, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollClosed
	}
	return p.backend.modify(h, events)
}

// Close releases the poller resources. A goroutine blocked in Wait returns
// ErrPollClosed. Close is idempotent in effect; second and later calls
// report ErrPollClosed.
func (p *Poll) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPollClosed
	}
	if p.ctx != nil {
		p.ctx.Remove(p)
	}
	_ = p.backend.wakeup()
	return p.backend.close()
}

// OnShutdown implements Service. A poll holds no deferred work, so it
// acknowledges immediately.
func (p *Poll) OnShutdown(ack func()) {
	ack()
}

// OnFork implements Service. In the child the OS poller and its wakeup
// channel are rebuilt, because the descriptors inherited from the parent
// would otherwise deliver wakeups across process boundaries.
func (p *Poll) OnFork(event ForkEvent) error {
	if event != ForkChild {
		return nil
	}
	if err := p.backend.rebuild(); err != nil {
		return fmt.Errorf("aio: poll fork rebuild: %w", err)
	}
	p.log.Debug().Log("poller rebuilt after fork")
	return nil
}

// durationToMillis converts a wait timeout to poller milliseconds: negative
// means block without limit, zero polls, and anything between zero and one
// millisecond rounds up so short timeouts cannot spin.
func durationToMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	if d == 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		return 1
	}
	return ms
}
