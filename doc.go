// Package aio provides the asynchronous execution core for event-driven
// protocol stacks: a cooperative task loop, serializing executors, one-shot
// futures, deadline waits, and I/O readiness watches over a platform
// poller, plus process-wide fork and shutdown coordination.
//
// # Architecture
//
// A Context is the registry tying everything together. Poll wraps the OS
// readiness facility (epoll on Linux, kqueue on Darwin, an I/O completion
// port on Windows) together with a wakeup channel usable from any
// goroutine. Loop is a task executor driven by whichever goroutine calls
// Run; it blocks in Poll between tasks so timers and watches are serviced
// without dedicated goroutines. TimerQueue and Reactor turn deadlines and
// readiness into posted tasks. Strand serializes tasks over any executor
// without owning one. Promise and Future carry one-shot results between all
// of the above.
//
// The loop never runs callbacks inline from submission and never spins: it
// either executes a task, observes an unblock condition, or sleeps in the
// poller with a timeout bounded by the earliest pending deadline.
//
// # Usage
//
//	ctx, _ := aio.NewContext()
//	poll, err := aio.NewPoll(ctx)
//	if err != nil {
//		// ...
//	}
//	loop, err := aio.NewLoop(ctx, poll)
//	if err != nil {
//		// ...
//	}
//	timers, _ := aio.NewTimerQueue(loop)
//
//	_, _, _ = timers.WaitFor(time.Second, nil)
//	_ = loop.Post(func() { /* ... */ })
//	loop.Run()
//
//	_ = ctx.Shutdown(context.Background())
//
// # Concurrency
//
// Submission (Post, Dispatch, Defer, SubmitWait, Watch, Promise.Set) is
// safe from any goroutine. Driving a loop (Run, RunUntil, Get, GetUntil) is
// exclusive; a concurrent second driver fails with ErrLoopRunning. A Poll
// instance supports one blocked waiter at a time, which the loop's driver
// claim already guarantees.
//
// # Fork safety
//
// Forking a process that uses kernel pollers requires ceremony: call
// Context.NotifyFork(ForkPrepare) before fork, then NotifyFork(ForkParent)
// in the parent and NotifyFork(ForkChild) in the child. The child rebuilds
// its pollers and wakeup descriptors; watches re-register automatically.
package aio
