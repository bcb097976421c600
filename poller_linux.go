//go:build linux

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

// poller is the epoll backend. The wake eventfd is registered permanently;
// its events are filtered out of dispatch counts.
type poller struct {
	epfd int
	wake selfPipe

	// wakePending dedups wakeup writes between drains.
	wakePending atomic.Uint32

	mu    sync.RWMutex
	slots []watchSlot

	events []unix.EpollEvent

	closed atomic.Bool
}

func (p *poller) init(eventBufferSize int) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	if err := p.wake.open(); err != nil {
		_ = unix.Close(epfd)
		return err
	}
	if err := p.addWakeFD(); err != nil {
		_ = p.wake.close()
		_ = unix.Close(epfd)
		return err
	}
	p.slots = make([]watchSlot, initialFDSlots)
	p.events = make([]unix.EpollEvent, eventBufferSize)
	return nil
}

func (p *poller) addWakeFD() error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, p.wake.readFD(), &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(p.wake.readFD()),
	})
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

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}); err != nil {
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
	p.slots[fd] = watchSlot{}
	p.mu.Unlock()
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		// The descriptor was closed; the kernel already dropped it.
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
	p.slots[fd].events = events
	p.mu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
}

// wait blocks for up to timeoutMs (-1 for no limit) and dispatches ready
// events. The return value counts watch callbacks invoked; wakeups are
// filtered out. EINTR reports zero events rather than an error.
func (p *poller) wait(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Fd)
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
		cb(epollToEvents(ev.Events))
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

// rebuild discards the epoll and wake descriptors inherited across a fork
// and recreates them in the child, re-registering every active watch.
func (p *poller) rebuild() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = unix.Close(p.epfd)
	_ = p.wake.close()
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
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
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: eventsToEpoll(p.slots[fd].events),
			Fd:     int32(fd),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *poller) close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := unix.Close(p.epfd)
	if e := p.wake.close(); err == nil {
		err = e
	}
	return err
}

func eventsToEpoll(events IOEvents) uint32 {
	var ep uint32
	if events&EventRead != 0 {
		ep |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ep |= unix.EPOLLOUT
	}
	return ep
}

func epollToEvents(ep uint32) IOEvents {
	var events IOEvents
	if ep&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if ep&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if ep&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if ep&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
