// Package server exposes the HTTP server wiring for the web application,
// combining the registration container, the middleware pipeline, the demo
// routes and lifecycle helpers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/theroutercompany/exception_handling/internal/openapi"
	"github.com/theroutercompany/exception_handling/internal/platform/health"
	"github.com/theroutercompany/exception_handling/internal/values"
	"github.com/theroutercompany/exception_handling/pkg/config"
	"github.com/theroutercompany/exception_handling/pkg/exception"
	"github.com/theroutercompany/exception_handling/pkg/host"
	pkglog "github.com/theroutercompany/exception_handling/pkg/log"
	"github.com/theroutercompany/exception_handling/pkg/metrics"
	"github.com/theroutercompany/exception_handling/pkg/problem"
	"github.com/theroutercompany/exception_handling/pkg/server/middleware"
)

const maxRequestBodyBytes int64 = 1 << 20 // 1 MiB

// ErrServerNotInitialised is returned by Start on a zero Server.
var ErrServerNotInitialised = errors.New("http server not initialised")

// Option configures optional server dependencies.
type Option func(*Server)

// WithOpenAPIProvider overrides the default OpenAPI document provider.
func WithOpenAPIProvider(provider openapi.DocumentProvider) Option {
	return func(s *Server) {
		s.openapiProvider = provider
	}
}

// WithLogger overrides the logger used by the server. Defaults to the shared logger.
func WithLogger(logger pkglog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRoutes lets callers mount extra handlers on the router before the
// pipeline is built.
func WithRoutes(fn func(*http.ServeMux)) Option {
	return func(s *Server) {
		if fn != nil {
			s.extraRoutes = append(s.extraRoutes, fn)
		}
	}
}

// Server coordinates HTTP routes and lifecycle hooks.
type Server struct {
	cfg             config.Config
	router          *http.ServeMux
	httpServer      *http.Server
	handler         http.Handler
	bootTime        time.Time
	registry        *metrics.Registry
	requestMetrics  *requestMetrics
	rateLimiter     *rateLimiter
	cors            *cors.Cors
	openapiProvider openapi.DocumentProvider
	health          *health.Checker
	logger          pkglog.Logger
	extraRoutes     []func(*http.ServeMux)
}

// New constructs a server. The exception handler is registered in the
// service container and installed as the outermost pipeline stage.
func New(cfg config.Config, registry *metrics.Registry, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:         cfg,
		router:      http.NewServeMux(),
		bootTime:    time.Now().UTC(),
		rateLimiter: newRateLimiter(cfg.RateLimit.Window.AsDuration(), cfg.RateLimit.Max),
		cors:        buildCORS(cfg.CORS.AllowedOrigins),
		logger:      pkglog.Shared(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.openapiProvider == nil {
		s.openapiProvider = openapi.NewService()
	}
	s.health = health.NewChecker([]health.Probe{{
		Name: "openapi",
		Check: func(ctx context.Context) error {
			_, err := s.openapiProvider.Document(ctx)
			return err
		},
	}}, 2*time.Second)
	if cfg.Metrics.Enabled && registry != nil {
		s.registry = registry
		s.requestMetrics = newRequestMetrics(registry)
	}

	s.mountRoutes()

	services := host.NewServices().AddValue(host.LoggerService, s.logger)
	if s.registry != nil {
		services.AddValue(host.RegistryService, s.registry)
	}
	exception.AddGlobalHandler(services,
		exception.WithStackTrace(cfg.StackTraces()),
		exception.WithTraceID(traceIDFromContext),
	)

	handler, err := s.pipeline(services).Build(s.router)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	http2Server := &http2.Server{}
	s.handler = h2c.NewHandler(handler, http2Server)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureServer(s.httpServer, http2Server); err != nil {
		s.logger.Errorw("failed to configure http2 server", "error", err)
	}

	return s, nil
}

func (s *Server) pipeline(services *host.Services) *host.Builder {
	rejecter := middleware.Rejecter{Trace: traceIDFromContext, Write: problem.Write}

	builder := host.NewBuilder(services)
	exception.UseGlobalHandler(builder)
	builder.
		Use(middleware.RequestMetadata(ensureRequestIDs)).
		Use(middleware.SecurityHeaders()).
		Use(middleware.Logging(s.logger, s.requestMetrics.track, requestIDFromContext, traceIDFromContext, clientAddress)).
		Use(middleware.CORS(s.cors, rejecter))
	if s.rateLimiter != nil {
		builder.Use(middleware.RateLimit(s.rateLimiter.allow, clientKey, time.Now, rejecter))
	}
	builder.Use(middleware.BodyLimit(maxRequestBodyBytes, rejecter))
	return builder
}

// Handler returns the fully composed request handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return ErrServerNotInitialised
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("http server listening", "addr", s.httpServer.Addr, "environment", s.cfg.Environment)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout.AsDuration())
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorw("http server shutdown failed", "error", err)
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			s.logger.Errorw("http server stopped with error", "error", err)
		}
		return err
	}
}

// Shutdown gracefully stops the HTTP server using the provided context.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) mountRoutes() {
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/readyz", s.handleReadiness)
	s.router.HandleFunc("/openapi.json", s.handleOpenAPI)
	if s.registry != nil {
		s.router.Handle("/metrics", s.registry.Handler())
	}
	for _, fn := range s.extraRoutes {
		fn(s.router)
	}

	valuesController := values.NewController()
	s.router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if values.Match(r.URL.Path) {
			valuesController.ServeHTTP(w, r)
			return
		}
		problem.Write(w, http.StatusNotFound, "Not Found", fmt.Sprintf("No route matches %s", r.URL.Path), traceIDFromContext(r.Context()), r.URL.Path)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := struct {
		Status    string  `json:"status"`
		Uptime    float64 `json:"uptime"`
		Timestamp string  `json:"timestamp"`
		Version   string  `json:"version,omitempty"`
	}{
		Status:    "ok",
		Uptime:    time.Since(s.bootTime).Seconds(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.cfg.Version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Warnw("failed to write health response", "error", err, "requestId", requestIDFromContext(r.Context()))
	}
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := s.health.Readiness(r.Context())

	status := http.StatusOK
	if !report.Ready() {
		status = http.StatusServiceUnavailable
		s.logger.Warnw("readiness degraded", "checks", report.Checks, "requestId", requestIDFromContext(r.Context()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Warnw("failed to write readiness response", "error", err)
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	data, err := s.openapiProvider.Document(r.Context())
	if err != nil {
		problem.Write(w, http.StatusServiceUnavailable, "OpenAPI Unavailable", err.Error(), traceIDFromContext(r.Context()), r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warnw("failed to write openapi response", "error", err)
	}
}

func clientKey(r *http.Request) string {
	addr := clientAddress(r)
	if addr == "" {
		return "global"
	}
	return addr
}

func clientAddress(r *http.Request) string {
	if r == nil {
		return ""
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func buildCORS(origins []string) *cors.Cors {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := len(origins) == 0
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "*" {
			allowAll = true
			break
		}
		if o != "" {
			allowed[o] = struct{}{}
		}
	}

	return cors.New(cors.Options{
		AllowedMethods:       []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:       []string{"*"},
		ExposedHeaders:       []string{"X-Request-Id", "X-Trace-Id"},
		OptionsSuccessStatus: http.StatusNoContent,
		AllowOriginRequestFunc: func(_ *http.Request, origin string) bool {
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	})
}
