package aio

import "errors"

var (
	// ErrShutdown is returned by operations that require a live Context or
	// TimerQueue after shutdown has begun.
	ErrShutdown = errors.New("aio: shutdown in progress")

	// ErrPromiseSatisfied is returned by Promise.Set when the shared state
	// has already been completed or canceled.
	ErrPromiseSatisfied = errors.New("aio: promise already satisfied")

	// ErrContinuationAttached is returned by Future.Then when a continuation
	// has already been attached to the future.
	ErrContinuationAttached = errors.New("aio: continuation already attached")

	// ErrCanceled is observed via Future.Err and timer wait completions when
	// the operation was canceled before it could complete.
	ErrCanceled = errors.New("aio: operation canceled")

	// ErrWatchExists is returned by Reactor.Watch when the handle is already
	// being watched.
	ErrWatchExists = errors.New("aio: handle already watched")

	// ErrNotWatched is returned by Reactor.Modify and Reactor.Unwatch when
	// the watch is not registered with the reactor.
	ErrNotWatched = errors.New("aio: handle not watched")

	// ErrFDOutOfRange is returned when a file descriptor exceeds the
	// platform poller's registration capacity.
	ErrFDOutOfRange = errors.New("aio: file descriptor out of range")

	// ErrPollClosed is returned by Poll operations after Close.
	ErrPollClosed = errors.New("aio: poll closed")

	// ErrLoopStopped is returned by Loop.Get and Loop.Run variants when the
	// loop has been stopped.
	ErrLoopStopped = errors.New("aio: loop stopped")

	// ErrLoopRunning is returned when an operation requires exclusive
	// ownership of the loop but another goroutine is already driving it.
	ErrLoopRunning = errors.New("aio: loop already running")

	// ErrDeadline is returned by Loop.GetUntil and Loop.RunUntil when the
	// deadline passes before a task becomes ready.
	ErrDeadline = errors.New("aio: deadline reached")

	// ErrFutureSettled is returned by Loop.Get and Loop.Run variants when
	// one of the supplied futures settled, unblocking the call.
	ErrFutureSettled = errors.New("aio: future settled")

	// ErrOutOfWork is returned by Loop.Get and Loop.Run variants when the
	// loop is quiescent: no queued tasks and no outstanding work.
	ErrOutOfWork = errors.New("aio: out of work")
)
