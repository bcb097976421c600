//go:build windows

package aio

import "golang.org/x/sys/windows"

// Handle identifies a pollable resource. On Windows it is an OS HANDLE
// associated with the completion port.
type Handle = windows.Handle

func closeFD(h Handle) error {
	return windows.CloseHandle(h)
}
