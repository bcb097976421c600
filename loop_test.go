package aio

import (
	"errors"
	"testing"
	"time"
)

func TestLoop_PostFIFO(t *testing.T) {
	_, loop := newTestLoop(t)
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		if err := loop.Post(func() { order = append(order, name) }); err != nil {
			t.Fatal("Post failed:", err)
		}
	}
	if n := loop.Run(); n != 3 {
		t.Fatalf("Run executed %d tasks, want 3", n)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestLoop_DeferRunsBehindReadyWork(t *testing.T) {
	_, loop := newTestLoop(t)
	var order []string
	if err := loop.Post(func() {
		order = append(order, "first")
		_ = loop.Defer(func() { order = append(order, "deferred") })
		_ = loop.Post(func() { order = append(order, "second") })
	}); err != nil {
		t.Fatal("Post failed:", err)
	}
	loop.Run()
	want := []string{"first", "second", "deferred"}
	if len(order) != len(want) {
		t.Fatalf("ran %d tasks, want %d: %v", len(order), len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestLoop_DispatchInlineFromTask(t *testing.T) {
	_, loop := newTestLoop(t)
	inline := false
	if err := loop.Post(func() {
		if !loop.RunningInThisGoroutine() {
			t.Error("RunningInThisGoroutine false inside task")
		}
		_ = loop.Dispatch(func() { inline = true })
		if !inline {
			t.Error("Dispatch inside a task did not run inline")
		}
	}); err != nil {
		t.Fatal("Post failed:", err)
	}
	if n := loop.Run(); n != 1 {
		t.Fatalf("Run executed %d tasks, want 1", n)
	}
	if loop.RunningInThisGoroutine() {
		t.Fatal("RunningInThisGoroutine true outside Run")
	}
}

func TestLoop_RunReturnsWhenQuiescent(t *testing.T) {
	_, loop := newTestLoop(t)
	start := time.Now()
	if n := loop.Run(); n != 0 {
		t.Fatalf("Run executed %d tasks on an empty loop", n)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Run blocked %v on a quiescent loop", elapsed)
	}
}

func TestLoop_GetOutOfWork(t *testing.T) {
	_, loop := newTestLoop(t)
	_, err := loop.Get()
	if !errors.Is(err, ErrOutOfWork) {
		t.Fatalf("expected ErrOutOfWork, got %v", err)
	}
}

func TestLoop_GetReturnsUnexecutedTask(t *testing.T) {
	_, loop := newTestLoop(t)
	ran := false
	if err := loop.Post(func() { ran = true }); err != nil {
		t.Fatal("Post failed:", err)
	}
	task, err := loop.Get()
	if err != nil {
		t.Fatal("Get failed:", err)
	}
	if ran {
		t.Fatal("Get executed the task")
	}
	if task.Exec != Executor(loop) {
		t.Fatal("task executor is not the loop")
	}
	task.Run()
	if !ran {
		t.Fatal("task did not run")
	}
}

func TestLoop_GetUntilDeadline(t *testing.T) {
	_, loop := newTestLoop(t)
	loop.OnTaskStarted() // keep the loop from reporting out-of-work
	defer loop.OnTaskFinished()
	start := time.Now()
	_, err := loop.GetUntil(start.Add(50 * time.Millisecond))
	if !errors.Is(err, ErrDeadline) {
		t.Fatalf("expected ErrDeadline, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("GetUntil returned after %v, before the deadline", elapsed)
	}
}

func TestLoop_StopUnblocksRun(t *testing.T) {
	_, loop := newTestLoop(t)
	loop.OnTaskStarted()
	defer loop.OnTaskFinished()
	go func() {
		time.Sleep(50 * time.Millisecond)
		loop.Stop()
	}()
	start := time.Now()
	loop.Run()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Run blocked %v after Stop", elapsed)
	}
	if !loop.Stopped() {
		t.Fatal("Stopped() false after Stop")
	}
}

func TestLoop_StopFromTask(t *testing.T) {
	_, loop := newTestLoop(t)
	ran := 0
	_ = loop.Post(func() { ran++; loop.Stop() })
	_ = loop.Post(func() { ran++ })
	if n := loop.Run(); n != 1 {
		t.Fatalf("Run executed %d tasks after mid-run Stop, want 1", n)
	}
	if ran != 1 {
		t.Fatalf("ran %d tasks, want 1", ran)
	}
}

func TestLoop_RestartResumesPendingTasks(t *testing.T) {
	_, loop := newTestLoop(t)
	loop.Stop()
	ran := false
	_ = loop.Post(func() { ran = true })
	if n := loop.Run(); n != 0 {
		t.Fatalf("stopped loop executed %d tasks", n)
	}
	if _, err := loop.Get(); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("expected ErrLoopStopped, got %v", err)
	}
	if err := loop.Restart(); err != nil {
		t.Fatal("Restart failed:", err)
	}
	if loop.Stopped() {
		t.Fatal("Stopped() true after Restart")
	}
	if n := loop.Run(); n != 1 {
		t.Fatalf("restarted loop executed %d tasks, want 1", n)
	}
	if !ran {
		t.Fatal("pending task did not survive stop/restart")
	}
}

func TestLoop_RunFutureUnblocks(t *testing.T) {
	_, loop := newTestLoop(t)
	loop.OnTaskStarted()
	defer loop.OnTaskFinished()
	promise, future := NewPromise()
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = promise.Set("late", nil)
	}()
	start := time.Now()
	loop.Run(future)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Run blocked %v after future settled", elapsed)
	}
	if future.State() != Completed {
		t.Fatal("future not completed when Run returned")
	}
}

func TestLoop_RunSettledFutureDrainsReadyWork(t *testing.T) {
	_, loop := newTestLoop(t)
	_, future := NewPromise()
	future.Cancel()
	ran := false
	_ = loop.Post(func() { ran = true })
	if n := loop.Run(future); n != 1 {
		t.Fatalf("Run executed %d tasks, want 1", n)
	}
	if !ran {
		t.Fatal("queued task did not run before the settled future ended the run")
	}
}

func TestLoop_RunSettledFutureIdleReturnsImmediately(t *testing.T) {
	_, loop := newTestLoop(t)
	_, future := NewPromise()
	future.Cancel()
	start := time.Now()
	if n := loop.Run(future); n != 0 {
		t.Fatalf("Run executed %d tasks on an empty loop, want 0", n)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Run blocked %v with a settled future", elapsed)
	}
}

func TestLoop_RunPendingFutureBlocksWhenIdle(t *testing.T) {
	_, loop := newTestLoop(t)
	promise, future := NewPromise()
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = promise.Set(nil, nil)
	}()
	start := time.Now()
	loop.Run(future)
	elapsed := time.Since(start)
	if elapsed < 40*time.Millisecond {
		t.Fatalf("Run returned after %v, before the future settled", elapsed)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("Run blocked %v after the future settled", elapsed)
	}
}

func TestLoop_ConcurrentDriverRejected(t *testing.T) {
	_, loop := newTestLoop(t)
	loop.OnTaskStarted()
	defer loop.OnTaskFinished()

	started := make(chan struct{})
	finished := make(chan struct{})
	_ = loop.Post(func() { close(started) })
	go func() {
		defer close(finished)
		loop.Run()
	}()
	waitClosed(t, started, 5*time.Second, "driver startup")

	if _, err := loop.Get(); !errors.Is(err, ErrLoopRunning) {
		t.Fatalf("expected ErrLoopRunning, got %v", err)
	}
	if err := loop.Restart(); !errors.Is(err, ErrLoopRunning) {
		t.Fatalf("Restart during Run: expected ErrLoopRunning, got %v", err)
	}

	loop.Stop()
	waitClosed(t, finished, 5*time.Second, "driver shutdown")
	if err := loop.Restart(); err != nil {
		t.Fatal("Restart after Run returned failed:", err)
	}
}

func TestLoop_TaskPanicRecovered(t *testing.T) {
	_, loop := newTestLoop(t)
	ran := false
	_ = loop.Post(func() { panic("task panic") })
	_ = loop.Post(func() { ran = true })
	if n := loop.Run(); n != 2 {
		t.Fatalf("Run executed %d tasks, want 2", n)
	}
	if !ran {
		t.Fatal("task after panic did not run")
	}
}

func TestLoop_CrossGoroutinePostWakes(t *testing.T) {
	_, loop := newTestLoop(t)
	loop.OnTaskStarted()
	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = loop.Post(func() {
			loop.OnTaskFinished()
			close(done)
		})
	}()
	start := time.Now()
	if n := loop.Run(); n != 1 {
		t.Fatalf("Run executed %d tasks, want 1", n)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Run blocked %v waiting for a cross-goroutine post", elapsed)
	}
	waitClosed(t, done, time.Second, "posted task")
}

func TestLoop_OutstandingBrackets(t *testing.T) {
	_, loop := newTestLoop(t)
	loop.OnTaskStarted()
	loop.OnTaskStarted()
	if got := loop.Outstanding(); got != 2 {
		t.Fatalf("Outstanding = %d, want 2", got)
	}
	loop.OnTaskFinished()
	loop.OnTaskFinished()
	if got := loop.Outstanding(); got != 0 {
		t.Fatalf("Outstanding = %d, want 0", got)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("unbalanced OnTaskFinished did not panic")
		}
	}()
	loop.OnTaskFinished()
}

func TestLoop_PostNilIsNoop(t *testing.T) {
	_, loop := newTestLoop(t)
	if err := loop.Post(nil); err != nil {
		t.Fatal("Post(nil) failed:", err)
	}
	if err := loop.Dispatch(nil); err != nil {
		t.Fatal("Dispatch(nil) failed:", err)
	}
	if err := loop.Defer(nil); err != nil {
		t.Fatal("Defer(nil) failed:", err)
	}
	if n := loop.Run(); n != 0 {
		t.Fatalf("Run executed %d tasks, want 0", n)
	}
}

func TestNewLoop_NilPoll(t *testing.T) {
	ctx, err := NewContext()
	if err != nil {
		t.Fatal("NewContext failed:", err)
	}
	if _, err := NewLoop(ctx, nil); err == nil {
		t.Fatal("NewLoop accepted a nil poll")
	}
}
