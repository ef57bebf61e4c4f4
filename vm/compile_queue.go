package vm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
)

// compileJob is one optimizing compile. Everything in it is written by the
// worker before done is closed and only read afterwards.
type compileJob struct {
	id     uuid.UUID
	req    compileRequest
	queued time.Time
	done   chan struct{}

	code    *CompiledCode
	err     error
	elapsed time.Duration
}

// CompileQueue runs the optimizing compiler on background workers. Finished
// jobs land in a mailbox that the execution goroutine drains at safe
// points; workers never install code themselves.
type CompileQueue struct {
	compiler *OptimizingCompiler
	log      commonlog.Logger

	pending chan *compileJob
	group   *errgroup.Group
	cancel  context.CancelFunc
	closed  atomic.Bool

	mu       sync.Mutex
	jobs     map[uuid.UUID]*compileJob // queued or running
	finished []*compileJob             // mailbox

	// Statistics
	submitted   atomic.Uint64
	compiled    atomic.Uint64
	failed      atomic.Uint64
	compileTime atomic.Int64 // nanoseconds
}

// NewCompileQueue starts workers compiling jobs from a queue of size slots.
func NewCompileQueue(compiler *OptimizingCompiler, workers, size int) *CompileQueue {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	q := &CompileQueue{
		compiler: compiler,
		log:      commonlog.GetLogger("tiervm.compiler"),
		pending:  make(chan *compileJob, size),
		group:    g,
		cancel:   cancel,
		jobs:     make(map[uuid.UUID]*compileJob),
	}
	for range workers {
		g.Go(func() error { return q.worker(ctx) })
	}
	return q
}

// Submit queues req. It fails with ErrQueueFull instead of blocking.
func (q *CompileQueue) Submit(req compileRequest) (uuid.UUID, error) {
	if q.closed.Load() {
		return uuid.Nil, ErrEngineClosed
	}
	job := &compileJob{id: uuid.New(), req: req, queued: time.Now(), done: make(chan struct{})}
	q.mu.Lock()
	q.jobs[job.id] = job
	q.mu.Unlock()
	select {
	case q.pending <- job:
		q.submitted.Add(1)
		return job.id, nil
	default:
		q.mu.Lock()
		delete(q.jobs, job.id)
		q.mu.Unlock()
		return uuid.Nil, ErrQueueFull
	}
}

func (q *CompileQueue) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-q.pending:
			q.run(job)
		}
	}
}

func (q *CompileQueue) run(job *compileJob) {
	start := time.Now()
	job.code, job.err = q.compiler.Compile(job.req)
	job.elapsed = time.Since(start)
	q.compileTime.Add(int64(job.elapsed))
	if job.err != nil {
		q.failed.Add(1)
		q.log.Debugf("job %s: %v", job.id, job.err)
	} else {
		q.compiled.Add(1)
	}
	q.mu.Lock()
	q.finished = append(q.finished, job)
	q.mu.Unlock()
	close(job.done)
}

// drain takes the finished jobs out of the mailbox in completion order.
func (q *CompileQueue) drain() []*compileJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.finished) == 0 {
		return nil
	}
	out := q.finished
	q.finished = nil
	for _, job := range out {
		delete(q.jobs, job.id)
	}
	return out
}

// Wait blocks until every job submitted so far has finished compiling. The
// results still have to be drained to be installed.
func (q *CompileQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	waiting := make([]chan struct{}, 0, len(q.jobs))
	for _, job := range q.jobs {
		waiting = append(waiting, job.done)
	}
	q.mu.Unlock()
	for _, done := range waiting {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Pending returns the number of jobs queued or compiling.
func (q *CompileQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) - len(q.finished)
}

// Close stops the workers. Queued jobs are abandoned.
func (q *CompileQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.cancel()
	return q.group.Wait()
}

// visitRoots reports values held by snapshots of queued jobs and by
// compiled code waiting in the mailbox.
func (q *CompileQueue) visitRoots(visit func(Value)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		job.req.snapshot.visitRoots(visit)
	}
	for _, job := range q.finished {
		if job.code != nil {
			job.code.visitRoots(visit)
		}
	}
}

// QueueStats summarizes the compile queue.
type QueueStats struct {
	Submitted   uint64
	Compiled    uint64
	Failed      uint64
	Pending     int
	CompileTime time.Duration
}

// Stats returns the queue's counters.
func (q *CompileQueue) Stats() QueueStats {
	return QueueStats{
		Submitted:   q.submitted.Load(),
		Compiled:    q.compiled.Load(),
		Failed:      q.failed.Load(),
		Pending:     q.Pending(),
		CompileTime: time.Duration(q.compileTime.Load()),
	}
}

func (s QueueStats) String() string {
	return fmt.Sprintf("Compiler: %d submitted, %d compiled, %d failed, %d pending, %s compiling",
		s.Submitted, s.Compiled, s.Failed, s.Pending, s.CompileTime)
}
