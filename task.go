package aio

import "sync"

// Executor is anything that can accept work for deferred or immediate
// execution. Loop and Strand both implement it.
//
// Post enqueues fn to run later, never inline. Dispatch runs fn inline when
// the caller is already on the executor, and falls back to Post otherwise.
// Defer enqueues fn behind all work that is ready at the time of the call.
type Executor interface {
	Post(fn func()) error
	Dispatch(fn func()) error
	Defer(fn func()) error

	// RunningInThisGoroutine reports whether the calling goroutine is
	// currently executing work on behalf of this executor.
	RunningInThisGoroutine() bool
}

// Task pairs a unit of work with the executor it must run on.
type Task struct {
	Exec Executor
	Run  func()
}

// post submits the task to its executor. A zero task is a no-op.
func (t Task) post() {
	if t.Exec == nil || t.Run == nil {
		return
	}
	_ = t.Exec.Post(t.Run)
}

const taskChunkSize = 128

// taskChunk is a fixed-size segment of a taskQueue, recycled via
// taskChunkPool to avoid per-task allocation in steady state.
type taskChunk struct {
	items [taskChunkSize]func()
	read  int
	write int
	next  *taskChunk
}

var taskChunkPool = sync.Pool{
	New: func() interface{} {
		return new(taskChunk)
	},
}

func getTaskChunk() *taskChunk {
	return taskChunkPool.Get().(*taskChunk)
}

func putTaskChunk(c *taskChunk) {
	c.read = 0
	c.write = 0
	c.next = nil
	taskChunkPool.Put(c)
}

// taskQueue is a FIFO queue of functions backed by a linked list of chunks.
// It is not safe for concurrent use; callers synchronize externally.
type taskQueue struct {
	head *taskChunk
	tail *taskChunk
	size int
}

func newTaskQueue() *taskQueue {
	c := getTaskChunk()
	return &taskQueue{head: c, tail: c}
}

func (q *taskQueue) push(fn func()) {
	if q.tail.write == taskChunkSize {
		c := getTaskChunk()
		q.tail.next = c
		q.tail = c
	}
	q.tail.items[q.tail.write] = fn
	q.tail.write++
	q.size++
}

func (q *taskQueue) pop() (func(), bool) {
	if q.size == 0 {
		return nil, false
	}
	c := q.head
	fn := c.items[c.read]
	c.items[c.read] = nil
	c.read++
	q.size--
	if c.read == c.write {
		if c == q.tail {
			// Reset cursors so the sole chunk is reused in place.
			c.read = 0
			c.write = 0
		} else {
			q.head = c.next
			putTaskChunk(c)
		}
	}
	return fn, true
}

func (q *taskQueue) length() int {
	return q.size
}
