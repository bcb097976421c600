//go:build darwin

package aio

import "golang.org/x/sys/unix"

// selfPipe is the cross-goroutine wakeup primitive, backed by a non-blocking
// pipe pair. A full pipe means a wakeup is already pending, so writes that
// hit EAGAIN coalesce into it.
type selfPipe struct {
	r int
	w int
}

func (p *selfPipe) open() error {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = closeFD(fds[0])
			_ = closeFD(fds[1])
			return err
		}
	}
	p.r, p.w = fds[0], fds[1]
	return nil
}

// readFD returns the descriptor to register for read readiness.
func (p *selfPipe) readFD() int { return p.r }

func (p *selfPipe) wake() error {
	for {
		_, err := writeFD(p.w, []byte{0})
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

// drain empties the read side. A short read means the pipe is empty.
func (p *selfPipe) drain() {
	var buf [64]byte
	for {
		n, err := readFD(p.r, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < len(buf) {
			return
		}
	}
}

func (p *selfPipe) close() error {
	if p.r < 0 {
		return nil
	}
	err := closeFD(p.r)
	if e := closeFD(p.w); err == nil {
		err = e
	}
	p.r, p.w = -1, -1
	return err
}
