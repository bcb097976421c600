package aio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// ForkEvent identifies a phase of fork notification, mirroring
// pthread_atfork.
type ForkEvent int

const (
	// ForkPrepare is delivered in the parent immediately before a fork.
	ForkPrepare ForkEvent = iota
	// ForkParent is delivered in the parent after the fork.
	ForkParent
	// ForkChild is delivered in the child after the fork.
	ForkChild
)

func (e ForkEvent) String() string {
	switch e {
	case ForkPrepare:
		return "prepare"
	case ForkParent:
		return "parent"
	case ForkChild:
		return "child"
	default:
		return "unknown"
	}
}

// Service participates in process lifecycle notification. Poll, Loop,
// TimerQueue, and Reactor all implement it and register themselves when
// constructed with a Context.
type Service interface {
	// OnShutdown is called exactly once, when the owning Context shuts
	// down. The service must call ack exactly once, when it has quiesced;
	// it may do so asynchronously after returning.
	OnShutdown(ack func())

	// OnFork notifies the service of a fork phase. Implementations must
	// not assume any particular goroutine.
	OnFork(event ForkEvent) error
}

// Context is a process-wide registry of services requiring coordinated
// shutdown and fork handling. Services are notified of fork preparation in
// reverse registration order and of fork completion in registration order,
// so dependents quiesce before their dependencies and resume after them.
type Context struct {
	_ [0]func()

	log *logiface.Logger[logiface.Event]

	mu       sync.Mutex
	services []Service
	down     bool

	// pump is the first-registered loop, which drives the shutdown drain
	// when no other goroutine is running it.
	pump interface {
		pumpShutdown(ctx context.Context, done <-chan struct{}) error
	}
}

// NewContext creates an empty service registry.
func NewContext(opts ...ContextOption) (*Context, error) {
	cfg, err := resolveContextOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Context{log: cfg.logger}, nil
}

// Insert registers svc. Registering an already-registered service is a
// no-op. After shutdown has begun Insert fails with ErrShutdown.
//
// Services are compared by interface identity, so they should be pointers.
func (c *Context) Insert(svc Service) error {
	if svc == nil {
		return errors.New("aio: nil service")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return ErrShutdown
	}
	for _, s := range c.services {
		if s == svc {
			return nil
		}
	}
	c.services = append(c.services, svc)
	return nil
}

// Remove deregisters svc. Removing a service that is not registered is a
// no-op. A removed service receives no further notifications but is not
// otherwise torn down.
func (c *Context) Remove(svc Service) {
	if svc == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.services {
		if s == svc {
			c.services = append(c.services[:i], c.services[i+1:]...)
			return
		}
	}
}

// ShuttingDown reports whether Shutdown has been called.
func (c *Context) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down
}

func (c *Context) snapshot() []Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Service(nil), c.services...)
}

// NotifyFork delivers a fork phase to every registered service.
//
// ForkPrepare runs in reverse registration order. If a service fails to
// prepare, services that had already prepared are rolled back with
// ForkParent, in registration order, and the preparation error is returned
// wrapped; the fork should not proceed.
//
// ForkParent and ForkChild run in registration order. Every service is
// notified even if some fail; the failures are joined into the returned
// error.
func (c *Context) NotifyFork(event ForkEvent) error {
	svcs := c.snapshot()
	switch event {
	case ForkPrepare:
		for i := len(svcs) - 1; i >= 0; i-- {
			if err := svcs[i].OnFork(ForkPrepare); err != nil {
				for j := i + 1; j < len(svcs); j++ {
					if rerr := svcs[j].OnFork(ForkParent); rerr != nil {
						c.log.Err().Err(rerr).Log("fork prepare rollback failed")
					}
				}
				return fmt.Errorf("aio: fork prepare: %w", err)
			}
		}
		return nil
	case ForkParent, ForkChild:
		var errs []error
		for _, svc := range svcs {
			if err := svc.OnFork(event); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("aio: fork %s: %w", event, err)
		}
		return nil
	default:
		return fmt.Errorf("aio: unknown fork event %d", int(event))
	}
}

// Shutdown marks the context as shutting down and blocks until every
// registered service has acknowledged or ctx expires. Services are notified
// in reverse registration order, so work producers (reactors, timer queues)
// quiesce before the loops that drain their completions.
//
// If no goroutine is running the first-registered loop, Shutdown itself
// pumps that loop so queued completions make progress. A second call
// returns ErrShutdown.
func (c *Context) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return ErrShutdown
	}
	c.down = true
	svcs := append([]Service(nil), c.services...)
	pump := c.pump
	c.mu.Unlock()

	c.log.Debug().Int("services", len(svcs)).Log("shutdown begun")

	done := make(chan struct{})
	if len(svcs) == 0 {
		close(done)
	} else {
		var pending atomic.Int64
		pending.Store(int64(len(svcs)))
		for i := len(svcs) - 1; i >= 0; i-- {
			var once sync.Once
			svcs[i].OnShutdown(func() {
				once.Do(func() {
					if pending.Add(-1) == 0 {
						close(done)
					}
				})
			})
		}
	}

	var err error
	if pump != nil {
		err = pump.pumpShutdown(ctx, done)
	} else {
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("aio: shutdown: %w", err)
	}
	c.log.Debug().Log("shutdown complete")
	return nil
}

// attachPump nominates l to drive the shutdown drain. The first loop wins.
func (c *Context) attachPump(l *Loop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pump == nil {
		c.pump = l
	}
}
