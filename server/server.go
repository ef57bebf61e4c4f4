package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/chazu/tiervm/profilecache"
	"github.com/chazu/tiervm/vm"
)

// Server serves the control service over both gRPC and Connect
// (HTTP/JSON) on the same port.
type Server struct {
	worker  *EngineWorker
	control *ControlService
	mux     *http.ServeMux
	http    *http.Server
	log     commonlog.Logger
}

// Option configures a Server.
type Option func(*serverConfig)

type serverConfig struct {
	cache *profilecache.Cache
}

// WithProfileCache enables the SaveProfiles and WarmProfiles procedures.
func WithProfileCache(c *profilecache.Cache) Option {
	return func(cfg *serverConfig) { cfg.cache = c }
}

// New creates a Server wrapping the given engine.
func New(e *vm.Engine, opts ...Option) *Server {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewEngineWorker(e)
	s := &Server{
		worker:  worker,
		control: NewControlService(worker, cfg.cache),
		mux:     http.NewServeMux(),
		log:     commonlog.GetLogger("tiervm.server"),
	}

	c := s.control
	unary := map[string]func(context.Context, *request) (*response, error){
		LoadProcedure:                   c.Load,
		CallProcedure:                   c.Call,
		ForceTierUpProcedure:            c.ForceTierUp,
		ForceDeoptProcedure:             c.ForceDeopt,
		ClearFeedbackProcedure:          c.ClearFeedback,
		OptimizeOnNextCallProcedure:     c.OptimizeOnNextCall,
		PrepareForOptimizationProcedure: c.PrepareForOptimization,
		NeverOptimizeProcedure:          c.NeverOptimize,
		OptimizeOSRProcedure:            c.OptimizeOSR,
		DisposeProcedure:                c.Dispose,
		StatusProcedure:                 c.Status,
		FunctionsProcedure:              c.Functions,
		StatsProcedure:                  c.Stats,
		CollectGarbageProcedure:         c.CollectGarbage,
		SaveProfilesProcedure:           c.SaveProfiles,
		WarmProfilesProcedure:           c.WarmProfiles,
	}
	for procedure, fn := range unary {
		s.mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn))
	}
	s.mux.Handle(WatchEventsProcedure, connect.NewServerStreamHandler(WatchEventsProcedure, c.WatchEvents))

	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the HTTP handler. It accepts HTTP/2 without TLS so
// plaintext gRPC clients can connect.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(s.mux, &http2.Server{})
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Noticef("control service listening on %s", ln.Addr())
	s.log.Infof("  Connect (HTTP/JSON): http://%s%s", ln.Addr(), StatsProcedure)
	s.log.Infof("  gRPC (binary):       grpc://%s", ln.Addr())
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for active ones and stops the
// worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.worker.Stop()
	return err
}

// Stop shuts the worker down without waiting for requests.
func (s *Server) Stop() {
	s.worker.Stop()
}
