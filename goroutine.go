package aio

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID returns the numeric id of the calling goroutine, parsed from
// the runtime stack header ("goroutine N [running]:"). It is used to detect
// reentrant calls into executors; ids are never interpreted beyond equality.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(buf[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
