package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/tiervm/profilecache"
	"github.com/chazu/tiervm/vm"
)

// ControlServiceName is the fully qualified name of the control service.
const ControlServiceName = "tiervm.v1.ControlService"

// Procedure paths of the control service.
const (
	LoadProcedure                   = "/" + ControlServiceName + "/Load"
	CallProcedure                   = "/" + ControlServiceName + "/Call"
	ForceTierUpProcedure            = "/" + ControlServiceName + "/ForceTierUp"
	ForceDeoptProcedure             = "/" + ControlServiceName + "/ForceDeopt"
	ClearFeedbackProcedure          = "/" + ControlServiceName + "/ClearFeedback"
	OptimizeOnNextCallProcedure     = "/" + ControlServiceName + "/OptimizeOnNextCall"
	PrepareForOptimizationProcedure = "/" + ControlServiceName + "/PrepareForOptimization"
	NeverOptimizeProcedure          = "/" + ControlServiceName + "/NeverOptimize"
	OptimizeOSRProcedure            = "/" + ControlServiceName + "/OptimizeOSR"
	DisposeProcedure                = "/" + ControlServiceName + "/Dispose"
	StatusProcedure                 = "/" + ControlServiceName + "/Status"
	FunctionsProcedure              = "/" + ControlServiceName + "/Functions"
	StatsProcedure                  = "/" + ControlServiceName + "/Stats"
	CollectGarbageProcedure         = "/" + ControlServiceName + "/CollectGarbage"
	SaveProfilesProcedure           = "/" + ControlServiceName + "/SaveProfiles"
	WarmProfilesProcedure           = "/" + ControlServiceName + "/WarmProfiles"
	WatchEventsProcedure            = "/" + ControlServiceName + "/WatchEvents"
)

type (
	request  = connect.Request[structpb.Struct]
	response = connect.Response[structpb.Struct]
)

// ControlService exposes the engine's tiering controls. Every message is a
// structpb.Struct; field names are lower camel case.
type ControlService struct {
	worker *EngineWorker
	cache  *profilecache.Cache
}

// NewControlService creates a ControlService. cache may be nil.
func NewControlService(worker *EngineWorker, cache *profilecache.Cache) *ControlService {
	return &ControlService{worker: worker, cache: cache}
}

// Load assembles {source} and loads its functions.
func (s *ControlService) Load(ctx context.Context, req *request) (*response, error) {
	source, err := stringField(req.Msg, "source")
	if err != nil {
		return nil, err
	}
	p, err := vm.Assemble(source)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if _, err := s.worker.Do(ctx, func(e *vm.Engine) (any, error) {
		return nil, e.Load(p)
	}); err != nil {
		return nil, toConnectError(err)
	}
	names := make([]any, len(p.Functions))
	for i, u := range p.Functions {
		names[i] = u.Name()
	}
	return reply(map[string]any{"functions": names})
}

// Call invokes {function} with {args}. Guest errors are reported in the
// response rather than as RPC failures.
func (s *ControlService) Call(ctx context.Context, req *request) (*response, error) {
	name, err := stringField(req.Msg, "function")
	if err != nil {
		return nil, err
	}
	args := req.Msg.GetFields()["args"].GetListValue().GetValues()

	result, err := s.worker.Do(ctx, func(e *vm.Engine) (any, error) {
		vals := make([]vm.Value, len(args))
		for i, a := range args {
			v, err := fromProto(e, a)
			if err != nil {
				return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("argument %d: %w", i, err))
			}
			vals[i] = v
		}
		v, err := e.Call(name, vals...)
		if err != nil {
			le, ok := vm.AsLangError(err)
			if !ok {
				return nil, err
			}
			return &structpb.Struct{Fields: map[string]*structpb.Value{
				"ok":    structpb.NewBoolValue(false),
				"kind":  structpb.NewStringValue(le.Kind.String()),
				"error": structpb.NewStringValue(le.Message),
			}}, nil
		}
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			"ok":      structpb.NewBoolValue(true),
			"result":  toProto(e, v),
			"display": structpb.NewStringValue(e.Format(v)),
		}}, nil
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(result.(*structpb.Struct)), nil
}

// ForceTierUp compiles {function} for {tier} right away.
func (s *ControlService) ForceTierUp(ctx context.Context, req *request) (*response, error) {
	tierName, err := stringField(req.Msg, "tier")
	if err != nil {
		return nil, err
	}
	tier, err := vm.ParseTierState(tierName)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	return s.control(ctx, req, func(e *vm.Engine, name string) error {
		return e.ForceTierUp(name, tier)
	})
}

// ForceDeopt drops the optimized code of {function}.
func (s *ControlService) ForceDeopt(ctx context.Context, req *request) (*response, error) {
	return s.control(ctx, req, (*vm.Engine).ForceDeopt)
}

// ClearFeedback resets the feedback of {function}.
func (s *ControlService) ClearFeedback(ctx context.Context, req *request) (*response, error) {
	return s.control(ctx, req, (*vm.Engine).ClearFeedback)
}

// OptimizeOnNextCall marks {function} for optimization at its next call.
func (s *ControlService) OptimizeOnNextCall(ctx context.Context, req *request) (*response, error) {
	return s.control(ctx, req, (*vm.Engine).OptimizeOnNextCall)
}

// PrepareForOptimization clears the deopt back-off of {function}.
func (s *ControlService) PrepareForOptimization(ctx context.Context, req *request) (*response, error) {
	return s.control(ctx, req, (*vm.Engine).PrepareForOptimization)
}

// NeverOptimize pins {function} below the optimizing tier.
func (s *ControlService) NeverOptimize(ctx context.Context, req *request) (*response, error) {
	return s.control(ctx, req, (*vm.Engine).NeverOptimize)
}

// OptimizeOSR requests OSR code for the loops of {function}.
func (s *ControlService) OptimizeOSR(ctx context.Context, req *request) (*response, error) {
	return s.control(ctx, req, (*vm.Engine).OptimizeOSR)
}

// Dispose retires {function}.
func (s *ControlService) Dispose(ctx context.Context, req *request) (*response, error) {
	return s.control(ctx, req, (*vm.Engine).Dispose)
}

// control runs a tiering operation on {function} and replies with its
// resulting status.
func (s *ControlService) control(ctx context.Context, req *request, op func(*vm.Engine, string) error) (*response, error) {
	name, err := stringField(req.Msg, "function")
	if err != nil {
		return nil, err
	}
	result, err := s.worker.Do(ctx, func(e *vm.Engine) (any, error) {
		if err := op(e, name); err != nil {
			return nil, err
		}
		return statusMap(e, name), nil
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return reply(result.(map[string]any))
}

// Status reports the tier and status flags of {function}.
func (s *ControlService) Status(ctx context.Context, req *request) (*response, error) {
	name, err := stringField(req.Msg, "function")
	if err != nil {
		return nil, err
	}
	result, err := s.worker.Do(ctx, func(e *vm.Engine) (any, error) {
		if _, err := e.Lookup(name); err != nil {
			return nil, err
		}
		return statusMap(e, name), nil
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return reply(result.(map[string]any))
}

// statusMap describes a function that may since have been disposed.
func statusMap(e *vm.Engine, name string) map[string]any {
	m := map[string]any{"function": name}
	if tier, err := e.TierState(name); err == nil {
		m["tier"] = tier.String()
	}
	if flags, err := e.OptimizationStatus(name); err == nil {
		m["status"] = flags.String()
		m["flags"] = uint32(flags)
	}
	return m
}

// Functions lists every loaded function.
func (s *ControlService) Functions(ctx context.Context, req *request) (*response, error) {
	infos := s.worker.Engine().Functions()
	list := make([]any, len(infos))
	for i, fi := range infos {
		list[i] = map[string]any{
			"name":        fi.Name,
			"tier":        fi.Tier.String(),
			"invocations": fi.Invocations,
			"backEdges":   fi.BackEdges,
			"deopts":      fi.Deopts,
			"status":      fi.Status.String(),
			"disabled":    fi.Disabled,
			"codeSize":    fi.CodeSize,
		}
	}
	return reply(map[string]any{"functions": list})
}

// Stats reports the engine's counters.
func (s *ControlService) Stats(ctx context.Context, req *request) (*response, error) {
	e := s.worker.Engine()
	st := e.Stats()
	return reply(map[string]any{
		"session":          e.Session().String(),
		"calls":            st.Calls,
		"deopts":           st.Deopts,
		"invalidations":    st.Invalidations,
		"osrEntries":       st.OSREntries,
		"installs":         st.Installs,
		"discarded":        st.Discarded,
		"compileFailures":  st.CompileFailures,
		"baselineCompiles": st.BaselineCompiles,
		"functions":        st.Functions,
		"selector": map[string]any{
			"baselinePromotions": st.Selector.BaselinePromotions,
			"optimizeRequests":   st.Selector.OptimizeRequests,
			"osrRequests":        st.Selector.OSRRequests,
			"refused":            st.Selector.Refused,
			"disabled":           st.Selector.Disabled,
			"inFlight":           st.Selector.InFlight,
		},
		"queue": map[string]any{
			"submitted":   st.Queue.Submitted,
			"compiled":    st.Queue.Compiled,
			"failed":      st.Queue.Failed,
			"pending":     st.Queue.Pending,
			"compileTime": st.Queue.CompileTime.String(),
		},
	})
}

// CollectGarbage runs a collection and reports how many objects were freed.
func (s *ControlService) CollectGarbage(ctx context.Context, req *request) (*response, error) {
	freed, err := s.worker.Do(ctx, func(e *vm.Engine) (any, error) {
		return e.CollectGarbage(), nil
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return reply(map[string]any{"freed": freed.(int)})
}

// SaveProfiles writes the engine's feedback to the profile cache.
func (s *ControlService) SaveProfiles(ctx context.Context, req *request) (*response, error) {
	if s.cache == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, errors.New("no profile cache configured"))
	}
	n, err := s.cache.Persist(ctx, s.worker.Engine())
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return reply(map[string]any{"saved": n, "path": s.cache.Path()})
}

// WarmProfiles seeds the engine from the profile cache.
func (s *ControlService) WarmProfiles(ctx context.Context, req *request) (*response, error) {
	if s.cache == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, errors.New("no profile cache configured"))
	}
	result, err := s.worker.Do(ctx, func(e *vm.Engine) (any, error) {
		applied, skipped, err := s.cache.Warm(ctx, e)
		if err != nil {
			return nil, err
		}
		return map[string]any{"applied": applied, "skipped": skipped}, nil
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return reply(result.(map[string]any))
}

// WatchEvents streams engine events until the client goes away. {function}
// optionally filters by function name; {buffer} sizes the subscription.
func (s *ControlService) WatchEvents(ctx context.Context, req *request, stream *connect.ServerStream[structpb.Struct]) error {
	size := int(req.Msg.GetFields()["buffer"].GetNumberValue())
	if size <= 0 {
		size = 256
	}
	filter := req.Msg.GetFields()["function"].GetStringValue()

	e := s.worker.Engine()
	sub := e.Subscribe(size)
	defer e.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.C:
			if filter != "" && ev.Function != filter {
				continue
			}
			msg, err := structpb.NewStruct(eventMap(ev, sub.Dropped()))
			if err != nil {
				return connect.NewError(connect.CodeInternal, err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func eventMap(ev vm.Event, dropped uint64) map[string]any {
	m := map[string]any{
		"kind":     ev.Kind.String(),
		"time":     ev.Time.Format(time.RFC3339Nano),
		"function": ev.Function,
		"dropped":  dropped,
	}
	switch ev.Kind {
	case vm.EventTierTransition:
		m["from"] = ev.From.String()
		m["to"] = ev.To.String()
	case vm.EventDeopt:
		m["deoptKind"] = ev.DeoptKind.String()
		m["reason"] = ev.Reason.String()
		m["offset"] = ev.Offset
	case vm.EventCompileQueued, vm.EventCompileFinished, vm.EventCompileFailed, vm.EventCompileDiscarded:
		m["job"] = ev.Job.String()
		m["duration"] = ev.Duration.String()
	case vm.EventOSREntry:
		m["offset"] = ev.Offset
	}
	if ev.Detail != "" {
		m["detail"] = ev.Detail
	}
	return m
}

func reply(m map[string]any) (*response, error) {
	msg, err := newStruct(m)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(msg), nil
}

// toConnectError maps engine errors onto RPC codes.
func toConnectError(err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}
	var compileErr *vm.CompileError
	var asmErr *vm.AssembleError
	switch {
	case errors.Is(err, vm.ErrUnknownFunction):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, vm.ErrNeverOptimize), errors.Is(err, vm.ErrTierDisabled),
		errors.Is(err, vm.ErrDisposed), errors.As(err, &compileErr):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.As(err, &asmErr):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, vm.ErrEngineClosed):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeCanceled, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
