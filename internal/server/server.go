// ABOUTME: Server lifecycle for the HTTP webhook router and the gRPC health service.
// ABOUTME: Mirrors store reachability and circuit state into grpc.health.v1 statuses.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/concierge/internal/orchestrator"
	"github.com/2389/concierge/internal/resilience"
)

// DependencyServicePrefix prefixes per-dependency health service names.
const DependencyServicePrefix = "concierge.dependency."

// HealthSource produces the dependency report mirrored into gRPC health.
type HealthSource interface {
	Health(ctx context.Context) orchestrator.Health
}

// Closer is a named resource released after the listeners stop.
type Closer struct {
	Name  string
	Close func() error
}

// Options configures a Server.
type Options struct {
	HTTPAddr string
	GRPCAddr string
	Handler  http.Handler
	Health   HealthSource
	// RefreshInterval controls how often gRPC health statuses are
	// recomputed. Defaults to 5s.
	RefreshInterval time.Duration
	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration
	Closers         []Closer
}

// Server owns the HTTP and gRPC servers.
type Server struct {
	opts       Options
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger

	// known tracks dependency services already published so a dependency
	// that disappears from the report can be marked unknown.
	known map[string]bool
}

// New builds a Server. Listeners are not opened until Run or Serve.
func New(opts Options, logger *slog.Logger) (*Server, error) {
	if opts.Handler == nil {
		return nil, errors.New("server: handler is required")
	}
	if opts.Health == nil {
		return nil, errors.New("server: health source is required")
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)

	return &Server{
		opts: opts,
		httpServer: &http.Server{
			Addr:              opts.HTTPAddr,
			Handler:           opts.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpcServer: grpcServer,
		health:     hs,
		logger:     logger.With("component", "server"),
		known:      make(map[string]bool),
	}, nil
}

// setupListeners opens TCP listeners for gRPC and HTTP.
func (s *Server) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	s.logger.Info("starting servers",
		"grpc_addr", s.opts.GRPCAddr,
		"http_addr", s.opts.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", s.opts.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", s.opts.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// Run opens the configured addresses and serves until ctx is canceled.
// Returns nil on graceful shutdown, or the first server error.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupListeners()
	if err != nil {
		return err
	}
	return s.Serve(ctx, grpcLn, httpLn)
}

// Serve serves on the given listeners until ctx is canceled.
func (s *Server) Serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		s.refreshLoop(refreshCtx)
	}()

	errCh := s.startServers(grpcLn, httpLn)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	stopRefresh()
	<-refreshDone
	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (s *Server) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := s.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		s.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (s *Server) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		s.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown runs Shutdown on a fresh context; the caller's is already done.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops both servers and releases the configured closers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	s.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.shutdownGRPCServer(ctx)

	for _, c := range s.opts.Closers {
		errs = appendCloseError(errs, c.Name+" close", c.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (s *Server) refreshLoop(ctx context.Context) {
	s.refresh(ctx)

	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh recomputes every gRPC health status from one report.
func (s *Server) refresh(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	report := s.opts.Health.Health(checkCtx)
	if ctx.Err() != nil {
		return
	}
	s.apply(report)
}

func (s *Server) apply(report orchestrator.Health) {
	overall := healthpb.HealthCheckResponse_SERVING
	if !report.Ready() {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)

	seen := make(map[string]bool, len(report.Circuits))
	for _, c := range report.Circuits {
		name := DependencyServicePrefix + c.Dependency
		seen[name] = true
		s.health.SetServingStatus(name, circuitStatus(c.State))
	}
	for name := range s.known {
		if !seen[name] {
			s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	s.known = seen

	if overall != healthpb.HealthCheckResponse_SERVING {
		s.logger.Warn("health degraded", "stores", report.Stores)
	}
}

// circuitStatus maps a breaker state to a health status. A half-open
// circuit is admitting probes, so it counts as serving.
func circuitStatus(state string) healthpb.HealthCheckResponse_ServingStatus {
	if state == resilience.StateOpen.String() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
