//go:build linux || darwin

package aio

import "golang.org/x/sys/unix"

// Handle identifies a pollable resource. On unix platforms it is a file
// descriptor.
type Handle = int

func closeFD(fd int) error {
	return unix.Close(fd)
}

func readFD(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func writeFD(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}
