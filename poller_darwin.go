//go:build darwin

package aio

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	// initialFDSlots sizes the registration table; it grows on demand up to
	// maxFDSlots.
	initialFDSlots = 1024
	maxFDSlots     = 1 << 20
)

// ioCallback receives the readiness mask for a dispatched event.
type ioCallback func(IOEvents)

type watchSlot struct {
	cb     ioCallback
	events IOEvents
	active bool
}

// poller is the kqueue backend. Read and write interest map to separate
// kevent filters; the wake pipe's read end is registered permanently and
// filtered out of dispatch counts.
type poller struct {
	kq   int
	wake selfPipe

	// wakePending dedups wakeup writes between drains.
	wakePending atomic.Uint32

	mu    sync.RWMutex
	slots []watchSlot

	events []unix.Kevent_t

	closed atomic.Bool
}

func (p *poller) init(eventBufferSize int) error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	p.kq = kq
	if err := p.wake.open(); err != nil {
		_ = unix.Close(kq)
		return err
	}
	if err := p.addWakeFD(); err != nil {
		_ = p.wake.close()
		_ = unix.Close(kq)
		return err
	}
	p.slots = make([]watchSlot, initialFDSlots)
	p.events = make([]unix.Kevent_t, eventBufferSize)
	return nil
}

func (p *poller) addWakeFD() error {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, p.wake.readFD(), unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// filterChanges builds the kevent change list moving fd's registration from
// one interest mask to another.
func filterChanges(fd int, from, to IOEvents) []unix.Kevent_t {
	changes := make([]unix.Kevent_t, 0, 2)
	added := to &^ from
	removed := from &^ to
	if added&EventRead != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
		changes = append(changes, ev)
	}
	if added&EventWrite != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE)
		changes = append(changes, ev)
	}
	if removed&EventRead != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_READ, unix.EV_DELETE)
		changes = append(changes, ev)
	}
	if removed&EventWrite != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		changes = append(changes, ev)
	}
	return changes
}

func (p *poller) applyChanges(changes []unix.Kevent_t) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *poller) register(fd Handle, events IOEvents, cb ioCallback) error {
	if fd < 0 || fd >= maxFDSlots {
		return ErrFDOutOfRange
	}
	p.mu.Lock()
	if fd >= len(p.slots) {
		grown := make([]watchSlot, growSlots(len(p.slots), fd))
		copy(grown, p.slots)
		p.slots = grown
	}
	if p.slots[fd].active {
		p.mu.Unlock()
		return ErrWatchExists
	}
	p.slots[fd] = watchSlot{cb: cb, events: events, active: true}
	p.mu.Unlock()

	if err := p.applyChanges(filterChanges(fd, 0, events)); err != nil {
		p.mu.Lock()
		p.slots[fd] = watchSlot{}
		p.mu.Unlock()
		return err
	}
	return nil
}

func growSlots(cur, fd int) int {
	n := cur
	for n <= fd {
		n *= 2
	}
	if n > maxFDSlots {
		n = maxFDSlots
	}
	return n
}

func (p *poller) unregister(fd Handle) error {
	if fd < 0 || fd >= maxFDSlots {
		return ErrFDOutOfRange
	}
	p.mu.Lock()
	if fd >= len(p.slots) || !p.slots[fd].active {
		p.mu.Unlock()
		return ErrNotWatched
	}
	events := p.slots[fd].events
	p.slots[fd] = watchSlot{}
	p.mu.Unlock()
	err := p.applyChanges(filterChanges(fd, events, 0))
	if err == unix.EBADF || err == unix.ENOENT {
		// The descriptor was closed; the kernel already dropped its filters.
		return nil
	}
	return err
}

func (p *poller) modify(fd Handle, events IOEvents) error {
	if fd < 0 || fd >= maxFDSlots {
		return ErrFDOutOfRange
	}
	p.mu.Lock()
	if fd >= len(p.slots) || !p.slots[fd].active {
		p.mu.Unlock()
		return ErrNotWatched
	}
	prev := p.slots[fd].events
	p.slots[fd].events = events
	p.mu.Unlock()
	return p.applyChanges(filterChanges(fd, prev, events))
}

// wait blocks for up to timeoutMs (-1 for no limit) and dispatches ready
// events. The return value counts watch callbacks invoked; wakeups are
// filtered out. EINTR reports zero events rather than an error.
func (p *poller) wait(timeoutMs int) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Ident)
		if fd == p.wake.readFD() {
			p.wake.drain()
			p.wakePending.Store(0)
			continue
		}
		p.mu.RLock()
		var cb ioCallback
		if fd >= 0 && fd < len(p.slots) && p.slots[fd].active {
			cb = p.slots[fd].cb
		}
		p.mu.RUnlock()
		if cb == nil {
			continue // raced with unregister
		}
		cb(keventToEvents(ev))
		count++
	}
	return count, nil
}

// wakeup forces a concurrent wait call to return. Calls between drains
// coalesce into a single write.
func (p *poller) wakeup() error {
	if !p.wakePending.CompareAndSwap(0, 1) {
		return nil
	}
	if err := p.wake.wake(); err != nil {
		p.wakePending.Store(0)
		return err
	}
	return nil
}

// rebuild discards the kqueue and wake descriptors inherited across a fork
// and recreates them in the child, re-registering every active watch.
// Kqueue descriptors are not inherited by fork children at all, so the old
// kq is simply abandoned.
func (p *poller) rebuild() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = unix.Close(p.kq)
	_ = p.wake.close()
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	p.kq = kq
	if err := p.wake.open(); err != nil {
		return err
	}
	if err := p.addWakeFD(); err != nil {
		return err
	}
	p.wakePending.Store(0)
	for fd := range p.slots {
		if !p.slots[fd].active {
			continue
		}
		if err := p.applyChanges(filterChanges(fd, 0, p.slots[fd].events)); err != nil {
			return err
		}
	}
	return nil
}

func (p *poller) close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := unix.Close(p.kq)
	if e := p.wake.close(); err == nil {
		err = e
	}
	return err
}

func keventToEvents(ev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch ev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if ev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	if ev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	return events
}
