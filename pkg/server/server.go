package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/chatgate/pkg/admin"
	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/gate"
	"github.com/kadirpekel/chatgate/pkg/identity"
	"github.com/kadirpekel/chatgate/pkg/observability"
	"github.com/kadirpekel/chatgate/pkg/ratelimit"
	"github.com/kadirpekel/chatgate/pkg/store"
	"github.com/kadirpekel/chatgate/pkg/verification"
)

// Server wires the gate components together and serves them over HTTP.
type Server struct {
	cfg      *config.Config
	provider config.Provider
	logger   *slog.Logger

	observability *observability.Manager
	recorder      observability.Recorder
	tracer        trace.Tracer

	pool      *store.DBPool
	store     store.Store
	ownsStore bool

	resolver     *identity.Resolver
	limiter      *ratelimit.Limiter
	verification *verification.Gate
	gate         *gate.Gate
	admin        *admin.Service

	proof    verification.ProofVerifier
	upstream http.Handler

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithStore uses st instead of building the configured backend. The
// caller keeps ownership: Shutdown does not close it.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithProofVerifier replaces the configured challenge provider.
func WithProofVerifier(v verification.ProofVerifier) Option {
	return func(s *Server) {
		s.proof = v
	}
}

// WithUpstream replaces the reverse proxy to server.upstream_url.
func WithUpstream(h http.Handler) Option {
	return func(s *Server) {
		s.upstream = h
	}
}

// WithObservability uses an already initialized manager.
func WithObservability(m *observability.Manager) Option {
	return func(s *Server) {
		s.observability = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New builds every component from cfg. provider supplies the hot-reloadable
// gate policy; nil pins the policy to cfg.Gate.
func New(ctx context.Context, cfg *config.Config, provider config.Provider, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if provider == nil {
		gc := cfg.Gate
		provider = config.NewStaticProvider(&gc)
	}

	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")

	if s.observability == nil {
		s.observability = observability.NewManager(cfg.Observability)
		if err := s.observability.Initialize(ctx); err != nil {
			s.logger.Warn("Failed to initialize observability", "error", err)
		}
	}
	s.recorder = s.observability.Recorder()
	s.tracer = s.observability.Tracer(observability.DefaultServiceName)

	if s.store == nil {
		s.pool = store.NewDBPool()
		st, err := store.New(ctx, cfg.Store, s.pool)
		if err != nil {
			s.pool.Close()
			return nil, fmt.Errorf("failed to create %s store: %w", cfg.Store.Backend, err)
		}
		s.store = st
		s.ownsStore = true
	}

	if s.proof == nil {
		v, err := verification.NewVerifier(cfg.Challenge, s.logger)
		if err != nil {
			s.closeStore()
			return nil, err
		}
		s.proof = v
	}

	if s.upstream == nil && cfg.Server.UpstreamURL != "" {
		proxy, err := NewUpstreamProxy(cfg.Server.UpstreamURL, s.logger)
		if err != nil {
			s.closeStore()
			return nil, err
		}
		s.upstream = proxy
	}
	if s.upstream == nil {
		s.upstream = http.HandlerFunc(noUpstream)
	}

	s.resolver = identity.NewResolver(provider, identity.WithResolverLogger(s.logger))
	s.limiter = ratelimit.NewLimiter(provider, s.store,
		ratelimit.WithTimeout(cfg.Store.Timeout),
		ratelimit.WithLogger(s.logger),
		ratelimit.WithMetrics(s.recorder),
		ratelimit.WithTracer(s.tracer),
	)

	vopts := []verification.Option{
		verification.WithTimeout(cfg.Store.Timeout),
		verification.WithLogger(s.logger),
		verification.WithMetrics(s.recorder),
		verification.WithTracer(s.tracer),
	}
	if s.proof != nil {
		vopts = append(vopts, verification.WithVerifier(s.proof))
	}
	s.verification = verification.NewGate(provider, s.store, vopts...)

	s.gate = gate.New(provider, s.resolver, s.limiter,
		gate.WithVerifier(s.verification),
		gate.WithLogger(s.logger),
	)
	s.admin = admin.NewService(provider, s.store, s.verification, admin.WithLogger(s.logger))

	return s, nil
}

// Gate returns the request gate, for hosts mounting it elsewhere.
func (s *Server) Gate() *gate.Gate {
	return s.gate
}

// Admin returns the admin service.
func (s *Server) Admin() *admin.Service {
	return s.admin
}

// Start listens on server.host:server.port and serves until ctx is
// cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("HTTP server starting",
		"address", ln.Addr().String(),
		"upstream", s.cfg.Server.UpstreamURL,
		"store", s.cfg.Store.Backend,
		"challenge", s.cfg.Challenge.Provider,
		"admin", s.cfg.Server.AdminToken != "",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		s.Shutdown(context.Background())
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests for at most server.shutdown_timeout
// and releases every component.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if s.httpServer != nil {
		s.logger.Info("HTTP server shutting down")
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
	}

	s.resolver.Close()
	if err := s.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := s.observability.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("observability: %w", err))
	}

	return errors.Join(errs...)
}

func (s *Server) closeStore() error {
	var errs []error
	if s.ownsStore && s.store != nil {
		errs = append(errs, s.store.Close())
		s.store = nil
	}
	if s.pool != nil {
		errs = append(errs, s.pool.Close())
		s.pool = nil
	}
	return errors.Join(errs...)
}
