package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentgate/agentgate/internal/domain/trace"
	"github.com/agentgate/agentgate/internal/service"
)

// Server is the inbound HTTP adapter.
type Server struct {
	addr    string
	router  chi.Router
	server  *http.Server
	metrics *Metrics
	logger  *slog.Logger
}

// Deps carries everything the HTTP surface serves.
type Deps struct {
	Gateway      *service.GatewayService
	Policies     *service.PolicyService
	Kill         *service.KillSwitchController
	Quarantine   *service.QuarantineCoordinator
	Evidence     *service.EvidenceService
	Transparency *service.TransparencyService
	Rollouts     *service.RolloutService
	Traces       trace.Store
	SLO          *service.SLOMonitor
	Auth         *AdminAuth
}

// Option configures the server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer assembles the router.
func NewServer(deps Deps, allowedOrigins []string, opts ...Option) *Server {
	s := &Server{
		addr:   "127.0.0.1:8080",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(reg)

	handler := &Handler{
		gateway:      deps.Gateway,
		policies:     deps.Policies,
		kill:         deps.Kill,
		quarantine:   deps.Quarantine,
		evidenceSvc:  deps.Evidence,
		transparency: deps.Transparency,
		traces:       deps.Traces,
		slo:          deps.SLO,
		metrics:      s.metrics,
		logger:       s.logger,
	}
	admin := &AdminHandler{Handler: handler, rollouts: deps.Rollouts}
	auth := deps.Auth

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(versionMiddleware)
	r.Use(metricsMiddleware(s.metrics))
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE"},
			AllowedHeaders: []string{"Authorization", "Content-Type",
				headerRequestedVersion, legacyKeyHeader},
		}))
	}

	// Public gateway surface.
	r.Post("/tools/call", handler.handleToolCall)
	r.Get("/tools/list", handler.handleToolsList)
	r.Get("/sessions", handler.handleSessionsList)
	r.Get("/sessions/{id}/evidence", handler.handleEvidence)
	r.Get("/sessions/{id}/transparency", handler.handleTransparency)
	r.Get("/health", handler.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Containment operations require the system role.
	r.Post("/sessions/{id}/kill", auth.Require(RoleSystemAdmin, handler.handleSessionKill))
	r.Post("/tools/{name}/kill", auth.Require(RoleSystemAdmin, handler.handleToolKill))
	r.Post("/system/pause", auth.Require(RoleSystemAdmin, handler.handleSystemPause))
	r.Post("/system/resume", auth.Require(RoleSystemAdmin, handler.handleSystemResume))

	// Admin API, one role per operation domain.
	r.Route("/admin", func(r chi.Router) {
		r.Post("/policies/reload", auth.Require(RolePolicyAdmin, handler.handlePolicyReload))
		r.Post("/incidents/{id}/release", auth.Require(RoleIncidentAdmin, admin.handleIncidentRelease))
		r.Post("/tenants/{t}/rollouts", auth.Require(RoleRolloutAdmin, admin.handleRolloutStart))
		r.Get("/tenants/{t}/rollouts/{r}", auth.Require(RoleRolloutAdmin, admin.handleRolloutGet))
		r.Post("/tenants/{t}/rollouts/{r}/advance", auth.Require(RoleRolloutAdmin, admin.handleRolloutAdvance))
		r.Post("/tenants/{t}/rollouts/{r}/rollback", auth.Require(RoleRolloutAdmin, admin.handleRolloutRollback))
		r.Post("/tenants/{t}/replays", auth.Require(RoleRolloutAdmin, admin.handleReplayAnalysis))
		r.Post("/sessions/{id}/retention", auth.Require(RoleRetentionAdmin, admin.handleSetRetention))
		r.Delete("/sessions/{id}", auth.Require(RoleRetentionAdmin, admin.handleDeleteSession))
	})

	s.router = r
	return s
}

// Router exposes the assembled handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
