package aio

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

var _ Service = (*Reactor)(nil)

// IOEvents is a bitmask of I/O readiness conditions. EventError and
// EventHangup are always reported when detected, regardless of the
// registered interest mask.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

func (e IOEvents) String() string {
	if e == 0 {
		return "none"
	}
	parts := make([]string, 0, 4)
	if e&EventRead != 0 {
		parts = append(parts, "read")
	}
	if e&EventWrite != 0 {
		parts = append(parts, "write")
	}
	if e&EventError != 0 {
		parts = append(parts, "error")
	}
	if e&EventHangup != 0 {
		parts = append(parts, "hangup")
	}
	return strings.Join(parts, "|")
}

// Watch is a registered interest in readiness events for one handle.
type Watch struct {
	r      *Reactor
	handle Handle
	exec   Executor
	fn     func(IOEvents)

	// events is the current interest mask, updated by Modify.
	events atomic.Uint32
	// active gates delivery; cleared before the poller registration is
	// removed so late events from an in-flight wait are dropped.
	active atomic.Bool
}

// Handle returns the watched handle.
func (w *Watch) Handle() Handle { return w.handle }

// Events returns the current interest mask.
func (w *Watch) Events() IOEvents { return IOEvents(w.events.Load()) }

// Reactor translates poller readiness into tasks on executors. Each watch
// counts as outstanding work on the loop for as long as it is registered,
// which keeps Run from returning while I/O is still expected.
type Reactor struct {
	_ [0]func()

	loop *Loop
	poll *Poll
	log  *logiface.Logger[logiface.Event]

	mu      sync.Mutex
	watches map[Handle]*Watch
	closed  bool
}

// NewReactor creates a reactor dispatching through loop's poll instance. If
// the loop has a Context the reactor registers itself as a service.
func NewReactor(loop *Loop) (*Reactor, error) {
	if loop == nil {
		return nil, errors.New("aio: nil loop")
	}
	r := &Reactor{
		loop:    loop,
		poll:    loop.poll,
		log:     loop.log,
		watches: make(map[Handle]*Watch),
	}
	if loop.ctx != nil {
		if err := loop.ctx.Insert(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Watch registers interest in events on h. Each delivery posts a task
// running fn on exec with the observed readiness mask; a nil exec uses the
// reactor's loop. fn is never invoked inline from Watch or from the poller.
// A handle can have at most one watch; a second registration returns
// ErrWatchExists.
func (r *Reactor) Watch(h Handle, events IOEvents, exec Executor, fn func(IOEvents)) (*Watch, error) {
	if fn == nil {
		return nil, errors.New("aio: nil watch callback")
	}
	if exec == nil {
		exec = r.loop
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	if _, ok := r.watches[h]; ok {
		r.mu.Unlock()
		return nil, ErrWatchExists
	}
	w := &Watch{r: r, handle: h, exec: exec, fn: fn}
	w.events.Store(uint32(events))
	w.active.Store(true)
	r.watches[h] = w
	r.mu.Unlock()

	if err := r.poll.register(h, events, func(ev IOEvents) { r.dispatch(w, ev) }); err != nil {
		r.mu.Lock()
		delete(r.watches, h)
		r.mu.Unlock()
		return nil, err
	}
	r.loop.OnTaskStarted()
	return w, nil
}

// dispatch runs on the poll waiter goroutine; it hands the event off to the
// watch's executor without blocking.
func (r *Reactor) dispatch(w *Watch, ev IOEvents) {
	if !w.active.Load() {
		return
	}
	fn := w.fn
	_ = w.exec.Post(func() { fn(ev) })
}

// Modify replaces the interest mask of a registered watch.
func (r *Reactor) Modify(w *Watch, events IOEvents) error {
	if w == nil || w.r != r {
		return ErrNotWatched
	}
	r.mu.Lock()
	if cur, ok := r.watches[w.handle]; !ok || cur != w {
		r.mu.Unlock()
		return ErrNotWatched
	}
	w.events.Store(uint32(events))
	r.mu.Unlock()
	return r.poll.modify(w.handle, events)
}

// Unwatch removes a watch. Events already dispatched to the watch's
// executor may still run; events observed after Unwatch returns are
// dropped.
func (r *Reactor) Unwatch(w *Watch) error {
	if w == nil || w.r != r {
		return ErrNotWatched
	}
	r.mu.Lock()
	if cur, ok := r.watches[w.handle]; !ok || cur != w {
		r.mu.Unlock()
		return ErrNotWatched
	}
	delete(r.watches, w.handle)
	r.mu.Unlock()
	w.active.Store(false)
	err := r.poll.unregister(w.handle)
	r.loop.OnTaskFinished()
	return err
}

// OnShutdown implements Service. Remaining watches are forcibly removed so
// their outstanding work cannot stall the shutdown drain.
func (r *Reactor) OnShutdown(ack func()) {
	r.mu.Lock()
	r.closed = true
	watches := make([]*Watch, 0, len(r.watches))
	for _, w := range r.watches {
		watches = append(watches, w)
	}
	r.watches = make(map[Handle]*Watch)
	r.mu.Unlock()
	if len(watches) > 0 {
		r.log.Warning().Int("watches", len(watches)).Log("reactor shutdown with watches still registered")
	}
	for _, w := range watches {
		w.active.Store(false)
		_ = r.poll.unregister(w.handle)
		r.loop.OnTaskFinished()
	}
	ack()
}

// OnFork implements Service. Watch state lives in process memory and the
// poller rebuilds itself, so there is nothing to do.
func (r *Reactor) OnFork(ForkEvent) error {
	return nil
}
