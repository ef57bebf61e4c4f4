package vm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func concurrentConfig() Config {
	cfg := testConfig()
	cfg.BaselineThreshold = 2
	cfg.OptimizeThreshold = 5
	cfg.OSRThreshold = 50
	cfg.ConcurrentCompilation = true
	cfg.CompilerWorkers = 2
	cfg.QueueSize = 8
	return cfg
}

func waitQueue(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.queue.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestCompileQueueInstallsAtNextCall(t *testing.T) {
	e, sink := newTestEngine(t, concurrentConfig(), addSrc)

	for i := 0; i < 5; i++ {
		mustCall(t, e, "add", FromInt(int32(i)), FromInt(1))
	}
	if n := sink.Count(EventCompileQueued, "add"); n != 1 {
		t.Fatalf("Expected 1 queued compile, got %d", n)
	}
	// Code is only installed at a safe point on the execution goroutine.
	expectTier(t, e, "add", TierBaseline)

	waitQueue(t, e)
	expectTier(t, e, "add", TierBaseline)

	expectInt(t, mustCall(t, e, "add", FromInt(20), FromInt(22)), 42)
	expectTier(t, e, "add", TierOptimized)
	if n := sink.Count(EventCompileFinished, "add"); n != 1 {
		t.Errorf("Expected 1 finished compile, got %d", n)
	}
	ev, _ := findEvent(sink, EventCompileFinished, "add")
	queued, _ := findEvent(sink, EventCompileQueued, "add")
	if ev.Job != queued.Job {
		t.Error("finished event should carry the queued job's id")
	}
	if s := e.Stats().Queue; s.Submitted != 1 || s.Compiled != 1 {
		t.Errorf("unexpected queue stats: %s", s)
	}
}

func TestCompileQueueDiscardsStaleFeedback(t *testing.T) {
	e, sink := newTestEngine(t, concurrentConfig(), addSrc)
	for i := 0; i < 5; i++ {
		mustCall(t, e, "add", FromInt(int32(i)), FromInt(1))
	}
	if err := e.ClearFeedback("add"); err != nil {
		t.Fatal(err)
	}
	waitQueue(t, e)

	mustCall(t, e, "add", FromInt(1), FromInt(1))
	if n := sink.Count(EventCompileDiscarded, "add"); n != 1 {
		t.Fatalf("Expected 1 discarded compile, got %d", n)
	}
	ev, _ := findEvent(sink, EventCompileDiscarded, "add")
	if ev.Detail != "feedback changed during compilation" {
		t.Errorf("unexpected discard reason %q", ev.Detail)
	}
	if e.IsTierState("add", TierOptimized) {
		t.Error("code compiled from cleared feedback was installed")
	}
}

func TestCompileQueueDiscardsDisposedFunction(t *testing.T) {
	e, sink := newTestEngine(t, concurrentConfig(), addSrc+`
func two()
  push 2
  return
end
`)
	for i := 0; i < 5; i++ {
		mustCall(t, e, "add", FromInt(int32(i)), FromInt(1))
	}
	if err := e.Dispose("add"); err != nil {
		t.Fatal(err)
	}
	waitQueue(t, e)

	// Any call drains the mailbox.
	mustCall(t, e, "two")
	ev, ok := findEvent(sink, EventCompileDiscarded, "add")
	if !ok {
		t.Fatal("Expected the compile of a disposed function to be discarded")
	}
	if ev.Detail != "function disposed" {
		t.Errorf("unexpected discard reason %q", ev.Detail)
	}
}

func TestCompileQueueFull(t *testing.T) {
	u := MustAssemble(addSrc).Functions[0]
	q := NewCompileQueue(NewOptimizingCompiler(DefaultConfig(), newRealm()), 0, 1)
	req := compileRequest{unit: u, kind: CompileOptimize, snapshot: u.Feedback().Snapshot()}

	if _, err := q.Submit(req); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := q.Submit(req); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if q.Pending() != 1 {
		t.Errorf("Expected 1 pending job, got %d", q.Pending())
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Submit(req); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed after Close, got %v", err)
	}
}

func TestCompileQueueWaitHonorsContext(t *testing.T) {
	u := MustAssemble(addSrc).Functions[0]
	q := NewCompileQueue(NewOptimizingCompiler(DefaultConfig(), newRealm()), 0, 1)
	defer q.Close()
	if _, err := q.Submit(compileRequest{unit: u, kind: CompileOptimize, snapshot: u.Feedback().Snapshot()}); err != nil {
		t.Fatal(err)
	}
	// No worker ever picks the job up.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}
