package vm

import (
	"fmt"
	"time"

	"github.com/tliron/commonlog"
)

// OptimizingCompiler builds speculative machine code from a function's
// bytecode and a feedback snapshot. It never touches the heap, so it can run
// on any goroutine while the program keeps executing.
type OptimizingCompiler struct {
	cfg   Config
	realm *Realm
	log   commonlog.Logger
}

// NewOptimizingCompiler creates a compiler for functions of realm.
func NewOptimizingCompiler(cfg Config, realm *Realm) *OptimizingCompiler {
	return &OptimizingCompiler{cfg: cfg, realm: realm, log: commonlog.GetLogger("tiervm.optimizer")}
}

// compileRequest is everything one compile needs, captured on the
// execution goroutine.
type compileRequest struct {
	unit      *FunctionUnit
	kind      CompileKind
	osrOffset int
	snapshot  *FeedbackSnapshot
}

// Compile optimizes req.unit against req.snapshot.
func (c *OptimizingCompiler) Compile(req compileRequest) (*CompiledCode, error) {
	u := req.unit
	start := time.Now()
	if len(u.meta.Handlers) > 0 {
		return nil, &CompileError{Function: u.name, Offset: u.meta.Handlers[0].Start, Err: fmt.Errorf("%w: exception handlers", ErrUnsupported)}
	}
	if req.kind == CompileOSR && !u.isLoopHeader(req.osrOffset) {
		return nil, &CompileError{Function: u.name, Offset: req.osrOffset, Err: ErrNotAtLoop}
	}
	if len(req.snapshot.Slots) != u.feedback.Len() {
		return nil, &CompileError{Function: u.name, Offset: -1, Err: fmt.Errorf("snapshot has %d slots, function has %d", len(req.snapshot.Slots), u.feedback.Len())}
	}

	g := newGraphBuilder(c, u, req.snapshot)
	if err := g.build(); err != nil {
		return nil, err
	}
	optimize(g)
	code, err := lower(g, req.kind)
	if err != nil {
		return nil, &CompileError{Function: u.name, Offset: -1, Err: err}
	}
	code.epoch = req.snapshot.Epoch
	c.log.Debugf("compiled %s (%s): %d blocks, %d instrs, %d deopt points, %d deps, %d inlined in %s",
		u.name, req.kind, len(g.blocks), len(code.instrs), len(code.deoptList), len(code.deps), len(code.inlined), time.Since(start))
	return code, nil
}
