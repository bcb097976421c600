//go:build linux

package aio

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// selfPipe is the cross-goroutine wakeup primitive, backed by an eventfd.
// Writes coalesce in the kernel counter and a single read drains them.
type selfPipe struct {
	fd int
}

func (p *selfPipe) open() error {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return err
	}
	p.fd = fd
	return nil
}

// readFD returns the descriptor to register for read readiness.
func (p *selfPipe) readFD() int { return p.fd }

// wake makes readFD readable. EAGAIN means the counter is saturated, which
// still leaves the fd readable, so the wakeup counts as delivered.
func (p *selfPipe) wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := writeFD(p.fd, buf[:])
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return nil
		default:
			return err
		}
	}
}

// drain consumes pending wakeups. Reading an eventfd resets its counter, so
// one successful read suffices.
func (p *selfPipe) drain() {
	var buf [8]byte
	for {
		if _, err := readFD(p.fd, buf[:]); err != unix.EINTR {
			return
		}
	}
}

func (p *selfPipe) close() error {
	if p.fd < 0 {
		return nil
	}
	err := closeFD(p.fd)
	p.fd = -1
	return err
}
