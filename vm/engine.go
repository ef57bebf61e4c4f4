package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Engine: the execution dispatcher
// ---------------------------------------------------------------------------

// activation is one entry of the shadow call stack: an interpreted or
// baseline frame, or a running invocation of optimized code.
type activation struct {
	frame *Frame
	opt   *optActivation
}

type engineStats struct {
	calls            atomic.Uint64
	deopts           atomic.Uint64
	invalidations    atomic.Uint64
	osrEntries       atomic.Uint64
	installs         atomic.Uint64
	discarded        atomic.Uint64
	compileFailures  atomic.Uint64
	baselineCompiles atomic.Uint64
}

// Engine runs guest functions and moves them between tiers. Guest code runs
// on one goroutine at a time; the optimizing compiler may run on workers.
// The exported methods are safe for concurrent use.
type Engine struct {
	cfg     Config
	log     commonlog.Logger
	session uuid.UUID
	out     io.Writer

	heap        *Heap
	realm       *Realm
	store       *FeedbackStore
	deps        *dependencyIndex
	selector    *TierSelector
	compiler    *OptimizingCompiler
	queue       *CompileQueue
	interp      *Interpreter
	deoptimizer *Deoptimizer
	events      *eventHub

	// mu serializes guest execution and host control operations.
	mu    sync.Mutex
	stack []activation

	unitsMu sync.RWMutex
	units   map[string]*FunctionUnit // top-level functions by name
	all     []*FunctionUnit

	stats  engineStats
	closed atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventSink sends the engine's events to sink.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.events.base = sink }
}

// WithOutput redirects the print native.
func WithOutput(w io.Writer) Option {
	return func(e *Engine) { e.out = w }
}

// WithLogger overrides the dispatcher's logger.
func WithLogger(log commonlog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine creates an engine with the given tiering policy.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	e := &Engine{
		cfg:      cfg,
		log:      commonlog.GetLogger("tiervm.dispatch"),
		session:  uuid.New(),
		out:      os.Stdout,
		heap:     NewHeap(),
		realm:    newRealm(),
		store:    NewFeedbackStore(cfg.MaxPolymorphism),
		deps:     newDependencyIndex(),
		selector: NewTierSelector(cfg),
		events:   &eventHub{base: discardSink{}},
		units:    make(map[string]*FunctionUnit),
	}
	e.interp = &Interpreter{e: e}
	e.deoptimizer = &Deoptimizer{e: e}
	e.compiler = NewOptimizingCompiler(cfg, e.realm)
	e.deps.onMark = e.onCodeMarked
	e.heap.onFree = func(h uint32, obj HeapObject) {
		if _, ok := obj.(*Object); ok {
			e.realm.shapes.forget(FromHandle(h))
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.EnableOptimizer && cfg.ConcurrentCompilation {
		e.queue = NewCompileQueue(e.compiler, cfg.CompilerWorkers, cfg.QueueSize)
	}
	e.installNatives()
	e.log.Infof("engine %s started (baseline=%t optimizer=%t osr=%t concurrent=%t)",
		e.session, cfg.EnableBaseline, cfg.EnableOptimizer, cfg.EnableOSR, e.queue != nil)
	return e, nil
}

// Close stops the compile workers.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.queue != nil {
		return e.queue.Close()
	}
	return nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// Session identifies the engine in events.
func (e *Engine) Session() uuid.UUID { return e.session }

// Realm returns the engine's realm.
func (e *Engine) Realm() *Realm { return e.realm }

// Store returns the feedback store.
func (e *Engine) Store() *FeedbackStore { return e.store }

// Selector returns the tier selector.
func (e *Engine) Selector() *TierSelector { return e.selector }

// Subscribe attaches a bounded event channel.
func (e *Engine) Subscribe(size int) *ChannelSink { return e.events.subscribe(size) }

// Unsubscribe detaches a channel from Subscribe.
func (e *Engine) Unsubscribe(s *ChannelSink) { e.events.unsubscribe(s) }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load installs a program's functions as globals.
func (e *Engine) Load(p *Program) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrEngineClosed
	}
	for _, u := range p.Functions {
		if err := e.loadUnit(u); err != nil {
			return err
		}
		e.unitsMu.Lock()
		e.units[u.name] = u
		e.unitsMu.Unlock()
		e.StoreGlobal(u.name, e.heap.Allocate(&Closure{Unit: u}))
	}
	return nil
}

func (e *Engine) loadUnit(u *FunctionUnit) error {
	if !u.loaded.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: already loaded", u.name)
	}
	u.constants = make([]Value, len(u.meta.Constants))
	for i, c := range u.meta.Constants {
		switch c.Kind {
		case ConstInt:
			u.constants[i] = FromInt(c.Int)
		case ConstFloat:
			u.constants[i] = FromFloat(c.Float)
		default:
			u.constants[i] = e.heap.NewString(c.Str)
		}
	}
	e.store.Register(u)
	e.unitsMu.Lock()
	e.all = append(e.all, u)
	e.unitsMu.Unlock()
	for _, f := range u.meta.Functions {
		if err := e.loadUnit(f); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the top-level function named name.
func (e *Engine) Lookup(name string) (*FunctionUnit, error) {
	e.unitsMu.RLock()
	defer e.unitsMu.RUnlock()
	u, ok := e.units[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return u, nil
}

// Units returns every loaded function, nested ones included.
func (e *Engine) Units() []*FunctionUnit {
	e.unitsMu.RLock()
	defer e.unitsMu.RUnlock()
	return append([]*FunctionUnit(nil), e.all...)
}

// Dispose retires a function: its code is dropped, pending compiles for it
// are discarded and it is never optimized again.
func (e *Engine) Dispose(name string) error {
	u, err := e.Lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	u.setFlag(flagDisposed)
	e.forceDeopt(u, ReasonForced)
	e.store.Unregister(u)
	e.unitsMu.Lock()
	delete(e.units, name)
	e.unitsMu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// Call invokes the global function name.
func (e *Engine) Call(name string, args ...Value) (Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return Nil, ErrEngineClosed
	}
	fn, err := e.LoadGlobal(name)
	if err != nil {
		return Nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return e.Invoke(fn, args)
}

// Invoke calls callee with args. It is the single dispatch point of every
// tier: it drains finished compiles, counts the call, applies the tiering
// decision and runs the best valid code installed for the callee.
func (e *Engine) Invoke(callee Value, args []Value) (Value, error) {
	switch c := e.heap.Get(callee).(type) {
	case *Closure:
		return e.invokeUnit(c.Unit, args)
	case *Native:
		return e.callNative(c, args)
	}
	return Nil, newTypeError("%s is not a function", e.typeName(callee))
}

func (e *Engine) invokeUnit(u *FunctionUnit, args []Value) (Value, error) {
	if len(e.stack) >= e.cfg.MaxCallDepth {
		return Nil, newRangeError("maximum call depth %d exceeded", e.cfg.MaxCallDepth)
	}
	e.stats.calls.Add(1)
	e.pollInstalls()

	switch e.selector.OnInvocation(u) {
	case DecideBaseline:
		e.tierUpBaseline(u)
	case DecideOptimize:
		e.requestOptimize(u, CompileOptimize, 0, false, false)
	case DecideOptimizeNow:
		e.requestOptimize(u, CompileOptimize, 0, true, true)
	}

	if code := u.optimized.Load(); code != nil && e.validate(code) {
		return e.runOptimized(code, args)
	}
	return e.runFrame(newFrame(u, args), nil)
}

// runFrame pushes f and runs it in the best lower tier available.
func (e *Engine) runFrame(f *Frame, pending error) (Value, error) {
	h := len(e.stack)
	e.stack = append(e.stack, activation{frame: f})
	v, err := e.execFrame(f, pending)
	e.stack = e.stack[:h]
	return v, err
}

func (e *Engine) execFrame(f *Frame, pending error) (Value, error) {
	if b := f.Unit.baseline.Load(); b != nil {
		return b.run(e, f, pending)
	}
	return e.interp.run(f, pending)
}

func (e *Engine) runOptimized(code *CompiledCode, args []Value) (Value, error) {
	u := code.unit
	act := newOptActivation(code)
	for i, r := range code.entry.locals {
		v := Nil
		if i < u.meta.Arity && i < len(args) {
			v = args[i]
		}
		act.regs.Tagged[r] = v
	}
	act.enter()
	h := len(e.stack)
	e.stack = append(e.stack, activation{opt: act})
	v, err := e.execute(act, code.entry.pc)
	act.leave()
	e.stack = e.stack[:h]
	return v, err
}

// resume runs reconstructed frames, innermost first. They are already on
// the stack. Each outer frame is suspended in the call its inner frame
// stood for, so it receives the inner result, or the inner error is raised
// in it.
func (e *Engine) resume(frames []*Frame, pending error) (Value, error) {
	base := len(e.stack) - len(frames)
	v, err := Nil, pending
	for i, f := range frames {
		if i > 0 {
			f.AwaitingResult = false
			if err == nil {
				f.push(v)
			}
		}
		v, err = e.execFrame(f, err)
		e.stack = e.stack[:base+len(frames)-1-i]
	}
	return v, err
}

// splice replaces act, the top of the stack, by frames (innermost first).
func (e *Engine) splice(act *optActivation, frames []*Frame) {
	top := len(e.stack) - 1
	if top < 0 || e.stack[top].opt != act {
		invariantf("deoptimizing %s: activation is not on top of the stack", act.code.unit.name)
	}
	e.stack = e.stack[:top]
	for i := len(frames) - 1; i >= 0; i-- {
		e.stack = append(e.stack, activation{frame: frames[i]})
	}
}

// currentUnit returns the function of the innermost guest activation.
func (e *Engine) currentUnit() *FunctionUnit {
	if len(e.stack) == 0 {
		return nil
	}
	a := e.stack[len(e.stack)-1]
	if a.opt != nil {
		return a.opt.code.unit
	}
	return a.frame.Unit
}

// ---------------------------------------------------------------------------
// On-stack replacement
// ---------------------------------------------------------------------------

// onBackEdge is called by the lower tiers after jumping to the loop header
// at f.IP. It returns optimized code with an entry at that header when the
// frame should switch to it.
func (e *Engine) onBackEdge(f *Frame) *CompiledCode {
	u := f.Unit
	e.pollInstalls()
	switch e.selector.OnLoopBackEdge(u) {
	case DecideOptimize:
		e.requestOptimize(u, CompileOSR, f.IP, false, false)
	case DecideOptimizeNow:
		e.requestOptimize(u, CompileOSR, f.IP, true, true)
	}
	for _, code := range []*CompiledCode{u.optimized.Load(), u.osrCode.Load()} {
		if code != nil && code.HasOSREntry(f.IP) && e.validate(code) {
			return code
		}
	}
	return nil
}

// enterOSR transplants f, the top of the stack, into an optimized
// activation at the loop header f.IP and runs it to completion.
func (e *Engine) enterOSR(f *Frame, code *CompiledCode) (Value, error) {
	entry, ok := code.osrEntries[f.IP]
	if !ok || len(entry.locals) != len(f.Locals) || len(entry.stack) != len(f.Stack) {
		invariantf("OSR into %s at %04d: frame layout does not match entry", f.Unit.name, f.IP)
	}
	top := len(e.stack) - 1
	if top < 0 || e.stack[top].frame != f {
		invariantf("OSR into %s: frame is not on top of the stack", f.Unit.name)
	}
	act := newOptActivation(code)
	for i, r := range entry.locals {
		act.regs.Tagged[r] = f.Locals[i]
	}
	for k, r := range entry.stack {
		act.regs.Tagged[r] = f.Stack[k]
	}
	e.stack[top] = activation{opt: act}
	act.enter()
	e.stats.osrEntries.Add(1)
	e.events.Emit(Event{
		Kind:     EventOSREntry,
		Time:     time.Now(),
		Session:  e.session,
		Function: f.Unit.name,
		Offset:   f.IP,
		Detail:   code.kind.String(),
	})
	v, err := e.execute(act, entry.pc)
	act.leave()
	return v, err
}

// ---------------------------------------------------------------------------
// Tier-up
// ---------------------------------------------------------------------------

func (e *Engine) tierUpBaseline(u *FunctionUnit) error {
	if !e.cfg.EnableBaseline {
		return ErrTierDisabled
	}
	if u.baseline.Load() != nil {
		return nil
	}
	b, err := e.compileBaseline(u)
	if err != nil {
		e.log.Errorf("baseline %s: %v", u.name, err)
		return err
	}
	u.baseline.Store(b)
	e.stats.baselineCompiles.Add(1)
	e.selector.OnBaselineInstalled(u)
	e.settleTier(u)
	return nil
}

// requestOptimize asks for an optimizing compile of u. Synchronous requests
// and engines without workers compile on the spot; the others go through
// the queue and are installed when a later safe point drains the mailbox.
func (e *Engine) requestOptimize(u *FunctionUnit, kind CompileKind, offset int, forced, sync bool) error {
	if !e.cfg.EnableOptimizer {
		return ErrTierDisabled
	}
	if u.NeverOptimize() {
		return ErrNeverOptimize
	}
	if !e.selector.RequestTierUp(u, kind, forced) {
		return nil
	}
	req := compileRequest{unit: u, kind: kind, osrOffset: offset, snapshot: u.feedback.Snapshot()}
	if sync || e.queue == nil {
		job := &compileJob{id: uuid.New(), req: req, queued: time.Now()}
		job.code, job.err = e.compiler.Compile(req)
		job.elapsed = time.Since(job.queued)
		return e.complete(job)
	}
	id, err := e.queue.Submit(req)
	if err != nil {
		e.selector.done(u, kind)
		e.log.Debugf("not queueing %s: %v", u.name, err)
		return err
	}
	e.events.Emit(Event{Kind: EventCompileQueued, Time: time.Now(), Session: e.session, Function: u.name, Job: id, Offset: offset, Detail: kind.String()})
	return nil
}

// pollInstalls installs the results of finished background compiles.
func (e *Engine) pollInstalls() {
	if e.queue == nil {
		return
	}
	for _, job := range e.queue.drain() {
		e.complete(job)
	}
}

// complete handles a finished compile on the execution goroutine.
func (e *Engine) complete(job *compileJob) error {
	u := job.req.unit
	defer e.selector.done(u, job.req.kind)
	ev := Event{Time: time.Now(), Session: e.session, Function: u.name, Job: job.id, Duration: job.elapsed, Offset: job.req.osrOffset}

	if job.err != nil {
		e.stats.compileFailures.Add(1)
		if errors.Is(job.err, ErrUnsupported) {
			u.disable(job.err.Error())
		}
		ev.Kind, ev.Detail = EventCompileFailed, job.err.Error()
		e.events.Emit(ev)
		return job.err
	}
	if why := e.discardReason(job.code); why != "" {
		e.stats.discarded.Add(1)
		ev.Kind, ev.Detail = EventCompileDiscarded, why
		e.events.Emit(ev)
		e.log.Debugf("discarding %s code for %s: %s", job.req.kind, u.name, why)
		return fmt.Errorf("%s: compile discarded: %s", u.name, why)
	}
	e.install(job.code)
	ev.Kind, ev.Detail = EventCompileFinished, job.req.kind.String()
	e.events.Emit(ev)
	return nil
}

// discardReason reports why code must not be installed, or "".
func (e *Engine) discardReason(code *CompiledCode) string {
	u := code.unit
	switch {
	case u.Disposed():
		return "function disposed"
	case u.NeverOptimize():
		return "function marked never-optimize"
	case u.feedback.Epoch() != code.epoch:
		return "feedback changed during compilation"
	case !code.checkDependencies(e.realm):
		return "dependency changed during compilation"
	}
	return ""
}

func (e *Engine) install(code *CompiledCode) {
	u := code.unit
	e.deps.add(code)
	code.retain()
	var old *CompiledCode
	if code.kind == CompileOSR {
		old = u.osrCode.Swap(code)
	} else {
		old = u.optimized.Swap(code)
	}
	if old != nil {
		e.deps.remove(old)
		old.release()
	}
	u.clearFlag(flagMarkedForDeopt)
	e.stats.installs.Add(1)
	e.settleTier(u)
}

// uninstall drops code from its function. Activations still running it
// finish or deoptimize on their own.
func (e *Engine) uninstall(code *CompiledCode, reason DeoptReason) {
	u := code.unit
	e.deps.remove(code)
	if u.optimized.CompareAndSwap(code, nil) || u.osrCode.CompareAndSwap(code, nil) {
		code.release()
		e.log.Debugf("uninstalled %s code for %s: %s", code.kind, u.name, reason)
		e.settleTier(u)
	}
}

// validate re-checks the lazily validated dependencies of installed code.
func (e *Engine) validate(code *CompiledCode) bool {
	if code.checkDependencies(e.realm) {
		return true
	}
	e.uninstall(code, DeoptReason(code.invalidWhy.Load()))
	return false
}

// settleTier recomputes u's tier from the code installed for it.
func (e *Engine) settleTier(u *FunctionUnit) {
	to := TierInterpreted
	switch {
	case u.optimized.Load() != nil:
		to = TierOptimized
	case u.osrCode.Load() != nil:
		to = TierOptimizedOSR
	case u.baseline.Load() != nil:
		to = TierBaseline
	}
	from := TierState(u.state.Swap(uint32(to)))
	if from == to {
		return
	}
	e.events.Emit(Event{Kind: EventTierTransition, Time: time.Now(), Session: e.session, Function: u.name, From: from, To: to})
}

// onCodeMarked runs when a broken dependency marks installed code.
func (e *Engine) onCodeMarked(code *CompiledCode, reason DeoptReason) {
	code.unit.setFlag(flagMarkedForDeopt)
	e.uninstall(code, reason)
	e.stats.invalidations.Add(1)
	e.events.Emit(Event{Kind: EventInvalidation, Time: time.Now(), Session: e.session, Function: code.unit.name, Reason: reason, Detail: "optimized code marked for deoptimization"})
}

// noteDeopt charges a deopt to the function once per code object.
func (e *Engine) noteDeopt(code *CompiledCode) {
	if !code.deoptCounted.CompareAndSwap(false, true) {
		return
	}
	if e.selector.OnDeopt(code.unit) {
		e.log.Infof("%s: %s", code.unit.name, code.unit.DisabledReason())
	}
}

// ---------------------------------------------------------------------------
// Garbage collection
// ---------------------------------------------------------------------------

// VisitRoots reports every value the engine can reach: globals, live
// activations, feedback, code constants and pending compiles.
func (e *Engine) VisitRoots(visit func(Value)) {
	e.realm.visitRoots(visit)
	for _, a := range e.stack {
		if a.opt != nil {
			a.opt.visitRoots(visit)
		} else {
			a.frame.visitRoots(visit)
		}
	}
	e.store.visitRoots(visit)
	e.unitsMu.RLock()
	for _, u := range e.all {
		for _, v := range u.constants {
			visit(v)
		}
		for _, code := range []*CompiledCode{u.optimized.Load(), u.osrCode.Load()} {
			if code != nil {
				code.visitRoots(visit)
			}
		}
	}
	e.unitsMu.RUnlock()
	for _, a := range e.stack {
		if a.opt != nil {
			a.opt.code.visitRoots(visit)
		}
	}
	if e.queue != nil {
		e.queue.visitRoots(visit)
	}
}

// CollectGarbage runs a full collection and returns the number of objects
// freed.
func (e *Engine) CollectGarbage() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collectGarbage()
}

func (e *Engine) collectGarbage() int {
	start := time.Now()
	freed := e.heap.Collect(e.VisitRoots)
	e.log.Debugf("gc: freed %d objects, %d live, %s", freed, e.heap.Live(), time.Since(start))
	return freed
}

// ---------------------------------------------------------------------------
// Host values
// ---------------------------------------------------------------------------

// NewString allocates a guest string.
func (e *Engine) NewString(s string) Value { return e.heap.NewString(s) }

// NewArray allocates a guest array.
func (e *Engine) NewArray(elems ...Value) Value { return e.heap.NewArray(elems) }

// Format renders v the way print does.
func (e *Engine) Format(v Value) string { return e.heap.Format(v) }

// Str returns the contents of a guest string.
func (e *Engine) Str(v Value) (string, bool) { return e.heap.Str(v) }

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// Stats is a snapshot of the engine's counters.
type Stats struct {
	Calls            uint64
	Deopts           uint64
	Invalidations    uint64
	OSREntries       uint64
	Installs         uint64
	Discarded        uint64
	CompileFailures  uint64
	BaselineCompiles uint64
	Functions        int
	Selector         SelectorStats
	Queue            QueueStats
}

// Stats returns the engine's counters.
func (e *Engine) Stats() Stats {
	e.unitsMu.RLock()
	n := len(e.all)
	e.unitsMu.RUnlock()
	s := Stats{
		Calls:            e.stats.calls.Load(),
		Deopts:           e.stats.deopts.Load(),
		Invalidations:    e.stats.invalidations.Load(),
		OSREntries:       e.stats.osrEntries.Load(),
		Installs:         e.stats.installs.Load(),
		Discarded:        e.stats.discarded.Load(),
		CompileFailures:  e.stats.compileFailures.Load(),
		BaselineCompiles: e.stats.baselineCompiles.Load(),
		Functions:        n,
		Selector:         e.selector.Stats(),
	}
	if e.queue != nil {
		s.Queue = e.queue.Stats()
	}
	return s
}
