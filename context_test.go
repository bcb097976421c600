package aio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forkRecorder is a Service capturing lifecycle notifications by name.
type forkRecorder struct {
	name string
	log  *[]string
	mu   *sync.Mutex

	prepareErr error
	forkErr    error

	shutdowns int
}

func (s *forkRecorder) record(event string) {
	s.mu.Lock()
	*s.log = append(*s.log, s.name+"."+event)
	s.mu.Unlock()
}

func (s *forkRecorder) OnShutdown(ack func()) {
	s.shutdowns++
	s.record("shutdown")
	ack()
}

func (s *forkRecorder) OnFork(event ForkEvent) error {
	s.record(event.String())
	if event == ForkPrepare && s.prepareErr != nil {
		return s.prepareErr
	}
	if event != ForkPrepare && s.forkErr != nil {
		return s.forkErr
	}
	return nil
}

func newForkRecorder(name string, log *[]string, mu *sync.Mutex) *forkRecorder {
	return &forkRecorder{name: name, log: log, mu: mu}
}

func TestContext_NotifyForkOrder(t *testing.T) {
	ctx, err := NewContext()
	require.NoError(t, err)
	var log []string
	var mu sync.Mutex
	a := newForkRecorder("a", &log, &mu)
	b := newForkRecorder("b", &log, &mu)
	require.NoError(t, ctx.Insert(a))
	require.NoError(t, ctx.Insert(b))

	require.NoError(t, ctx.NotifyFork(ForkPrepare))
	assert.Equal(t, []string{"b.prepare", "a.prepare"}, log)

	log = log[:0]
	require.NoError(t, ctx.NotifyFork(ForkParent))
	assert.Equal(t, []string{"a.parent", "b.parent"}, log)

	log = log[:0]
	require.NoError(t, ctx.NotifyFork(ForkChild))
	assert.Equal(t, []string{"a.child", "b.child"}, log)
}

func TestContext_ForkPrepareFailureRollsBack(t *testing.T) {
	ctx, err := NewContext()
	require.NoError(t, err)
	var log []string
	var mu sync.Mutex
	a := newForkRecorder("a", &log, &mu)
	b := newForkRecorder("b", &log, &mu)
	c := newForkRecorder("c", &log, &mu)
	prepErr := errors.New("prepare failed")
	a.prepareErr = prepErr
	require.NoError(t, ctx.Insert(a))
	require.NoError(t, ctx.Insert(b))
	require.NoError(t, ctx.Insert(c))

	err = ctx.NotifyFork(ForkPrepare)
	require.ErrorIs(t, err, prepErr)
	// Prepare runs in reverse registration order; the services that had
	// already prepared are rolled back with parent notifications in
	// registration order.
	assert.Equal(t, []string{"c.prepare", "b.prepare", "a.prepare", "b.parent", "c.parent"}, log)
}

func TestContext_ForkParentErrorsJoined(t *testing.T) {
	ctx, err := NewContext()
	require.NoError(t, err)
	var log []string
	var mu sync.Mutex
	a := newForkRecorder("a", &log, &mu)
	b := newForkRecorder("b", &log, &mu)
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	a.forkErr = errA
	b.forkErr = errB
	require.NoError(t, ctx.Insert(a))
	require.NoError(t, ctx.Insert(b))

	err = ctx.NotifyFork(ForkParent)
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
	// Both services were notified despite the failures.
	assert.Equal(t, []string{"a.parent", "b.parent"}, log)
}

func TestContext_InsertIdempotent(t *testing.T) {
	ctx, err := NewContext()
	require.NoError(t, err)
	var log []string
	var mu sync.Mutex
	svc := newForkRecorder("svc", &log, &mu)
	require.NoError(t, ctx.Insert(svc))
	require.NoError(t, ctx.Insert(svc))

	require.NoError(t, ctx.Shutdown(context.Background()))
	assert.Equal(t, 1, svc.shutdowns, "duplicate insert must not double-register")
}

func TestContext_InsertNil(t *testing.T) {
	ctx, err := NewContext()
	require.NoError(t, err)
	require.Error(t, ctx.Insert(nil))
}

func TestContext_InsertAfterShutdown(t *testing.T) {
	ctx, err := NewContext()
	require.NoError(t, err)
	require.NoError(t, ctx.Shutdown(context.Background()))
	var log []string
	var mu sync.Mutex
	err = ctx.Insert(newForkRecorder("late", &log, &mu))
	require.ErrorIs(t, err, ErrShutdown)
}

func TestContext_RemoveStopsNotifications(t *testing.T) {
	ctx, err := NewContext()
	require.NoError(t, err)
	var log []string
	var mu sync.Mutex
	a := newForkRecorder("a", &log, &mu)
	b := newForkRecorder("b", &log, &mu)
	require.NoError(t, ctx.Insert(a))
	require.NoError(t, ctx.Insert(b))
	ctx.Remove(a)
	ctx.Remove(a) // second removal is a no-op

	require.NoError(t, ctx.NotifyFork(ForkChild))
	assert.Equal(t, []string{"b.child"}, log)

	require.NoError(t, ctx.Shutdown(context.Background()))
	assert.Equal(t, 0, a.shutdowns)
	assert.Equal(t, 1, b.shutdowns)
}

func TestContext_ShutdownTwice(t *testing.T) {
	ctx, err := NewContext()
	require.NoError(t, err)
	require.NoError(t, ctx.Shutdown(context.Background()))
	require.True(t, ctx.ShuttingDown())
	require.ErrorIs(t, ctx.Shutdown(context.Background()), ErrShutdown)
}

// asyncAckService hands the shutdown acknowledgement off to the test.
type asyncAckService struct {
	acks chan func()
}

func (s *asyncAckService) OnShutdown(ack func()) { s.acks <- ack }

func (s *asyncAckService) OnFork(ForkEvent) error { return nil }

func TestContext_ShutdownWaitsForAsyncAck(t *testing.T) {
	ctx, err := NewContext()
	require.NoError(t, err)
	svc := &asyncAckService{acks: make(chan func(), 1)}
	require.NoError(t, ctx.Insert(svc))

	released := make(chan struct{})
	go func() {
		ack := <-svc.acks
		time.Sleep(50 * time.Millisecond)
		close(released)
		ack()
	}()

	require.NoError(t, ctx.Shutdown(context.Background()))
	select {
	case <-released:
	default:
		t.Fatal("Shutdown returned before the service acknowledged")
	}
}

func TestContext_ShutdownTimeout(t *testing.T) {
	ctx, err := NewContext()
	require.NoError(t, err)
	svc := &asyncAckService{acks: make(chan func(), 1)} // never acked
	require.NoError(t, ctx.Insert(svc))

	deadline, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = ctx.Shutdown(deadline)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContext_ShutdownPumpsQueuedTasks(t *testing.T) {
	ctx, loop := newTestLoop(t)
	ran := 0
	for i := 0; i < 5; i++ {
		require.NoError(t, loop.Post(func() { ran++ }))
	}
	// No goroutine drives the loop; Shutdown must pump it.
	require.NoError(t, ctx.Shutdown(context.Background()))
	assert.Equal(t, 5, ran)
}

func TestContext_ShutdownFromLoopTask(t *testing.T) {
	ctx, loop := newTestLoop(t)
	var shutdownErr error
	done := make(chan struct{})
	require.NoError(t, loop.Post(func() {
		defer close(done)
		shutdownErr = ctx.Shutdown(context.Background())
	}))
	loop.Run()
	waitClosed(t, done, 5*time.Second, "reentrant shutdown")
	require.NoError(t, shutdownErr)
}

func TestContext_ShutdownUnblocksConcurrentDriver(t *testing.T) {
	ctx, loop := newTestLoop(t)
	loop.OnTaskStarted()

	started := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, loop.Post(func() { close(started) }))
	go func() {
		defer close(finished)
		loop.Run()
	}()
	waitClosed(t, started, 5*time.Second, "driver startup")

	go func() {
		time.Sleep(50 * time.Millisecond)
		loop.OnTaskFinished()
	}()

	// The running driver performs the drain while Shutdown only waits.
	require.NoError(t, ctx.Shutdown(context.Background()))
	waitClosed(t, finished, 5*time.Second, "driver exit")
}

func TestForkEvent_String(t *testing.T) {
	assert.Equal(t, "prepare", ForkPrepare.String())
	assert.Equal(t, "parent", ForkParent.String())
	assert.Equal(t, "child", ForkChild.String())
	assert.Equal(t, "unknown", ForkEvent(99).String())
}

func TestContext_NotifyForkUnknownEvent(t *testing.T) {
	ctx, err := NewContext()
	require.NoError(t, err)
	require.Error(t, ctx.NotifyFork(ForkEvent(99)))
}
