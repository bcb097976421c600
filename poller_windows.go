//go:build windows

package aio

import (
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/windows"
)

// ioCallback receives the readiness mask for a dispatched event.
type ioCallback func(IOEvents)

type watchSlot struct {
	cb     ioCallback
	events IOEvents
}

// poller is the I/O completion port backend. Completion ports report
// completed overlapped operations rather than readiness, so a dequeued
// packet for a registered handle is surfaced as the watch's requested
// read/write mask. Wake packets are posted directly to the port under
// wakeKey and carry no handle.
type poller struct {
	iocp windows.Handle

	// wakePending dedups wake packets between drains.
	wakePending atomic.Uint32

	mu    sync.RWMutex
	slots map[Handle]*watchSlot

	closed atomic.Bool
}

func (p *poller) init(eventBufferSize int) error {
	h, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return err
	}
	p.iocp = h
	p.slots = make(map[Handle]*watchSlot)
	_ = eventBufferSize // completion packets are dequeued one at a time
	return nil
}

func (p *poller) register(h Handle, events IOEvents, cb ioCallback) error {
	p.mu.Lock()
	if _, ok := p.slots[h]; ok {
		p.mu.Unlock()
		return ErrWatchExists
	}
	p.slots[h] = &watchSlot{cb: cb, events: events}
	p.mu.Unlock()
	if _, err := windows.CreateIoCompletionPort(h, p.iocp, uintptr(h), 0); err != nil {
		p.mu.Lock()
		delete(p.slots, h)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *poller) unregister(h Handle) error {
	p.mu.Lock()
	_, ok := p.slots[h]
	delete(p.slots, h)
	p.mu.Unlock()
	if !ok {
		return ErrNotWatched
	}
	// A handle cannot be detached from a completion port; dropping the slot
	// discards any further packets for it.
	return nil
}

func (p *poller) modify(h Handle, events IOEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[h]
	if !ok {
		return ErrNotWatched
	}
	slot.events = events
	return nil
}

// wait dequeues at most one completion packet, blocking for up to timeoutMs
// (-1 for no limit). The return value counts watch callbacks invoked; wake
// packets are filtered out.
func (p *poller) wait(timeoutMs int) (int, error) {
	to := uint32(windows.INFINITE)
	if timeoutMs >= 0 {
		to = uint32(timeoutMs)
	}
	var qty uint32
	var key uintptr
	var ov *windows.Overlapped
	err := windows.GetQueuedCompletionStatus(p.iocp, &qty, &key, &ov, to)
	if err != nil {
		if err == syscall.Errno(windows.WAIT_TIMEOUT) {
			return 0, nil
		}
		if ov == nil {
			return 0, err
		}
		// A packet for a failed operation: surface it as an error event on
		// the registered handle.
		if cb, _ := p.lookup(Handle(key)); cb != nil {
			cb(EventError | EventHangup)
			return 1, nil
		}
		return 0, nil
	}
	if ov == nil && key == wakeKey {
		p.wakePending.Store(0)
		return 0, nil
	}
	cb, events := p.lookup(Handle(key))
	if cb == nil {
		return 0, nil // raced with unregister
	}
	cb(events & (EventRead | EventWrite))
	return 1, nil
}

func (p *poller) lookup(h Handle) (ioCallback, IOEvents) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if slot, ok := p.slots[h]; ok {
		return slot.cb, slot.events
	}
	return nil, 0
}

// wakeup forces a concurrent wait call to return. Calls between drains
// coalesce into a single packet.
func (p *poller) wakeup() error {
	if !p.wakePending.CompareAndSwap(0, 1) {
		return nil
	}
	if err := windows.PostQueuedCompletionStatus(p.iocp, 0, wakeKey, nil); err != nil {
		p.wakePending.Store(0)
		return err
	}
	return nil
}

// rebuild is a no-op: Windows has no fork.
func (p *poller) rebuild() error {
	return nil
}

func (p *poller) close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return windows.CloseHandle(p.iocp)
}
