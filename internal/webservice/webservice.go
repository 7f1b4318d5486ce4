// Package webservice provides the HTTP server receiving telemetry submissions, along with its metrics server.
package webservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	commonmetrics "github.com/radar-lgpd/radar-telemetry/internal/common/metrics"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/instances"
	"github.com/radar-lgpd/radar-telemetry/internal/webservice/apierror"
	"github.com/radar-lgpd/radar-telemetry/internal/webservice/handlers"
	"github.com/radar-lgpd/radar-telemetry/internal/webservice/metrics"
	"github.com/radar-lgpd/radar-telemetry/internal/webservice/ratelimit"
)

// ScanResultPath is the route of telemetry submissions.
const ScanResultPath = "/v1/telemetry/scan-result"

// Server is a struct that holds the HTTP servers and their configuration.
type Server struct {
	httpServer    *http.Server
	metricsServer *commonmetrics.Server
	limiter       *ratelimit.Limiter
	cm            dConfigManager
	watchConfig   bool

	mu          sync.RWMutex
	primaryAddr net.Addr

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context waits until the in-flight requests are done to interrupt.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc
}

// StaticConfig holds the static configuration for the server.
type StaticConfig struct {
	// ConfigPath is the dynamic configuration file. When empty, the rate limit of the
	// config manager is used as is and never reloaded.
	ConfigPath string

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxHeaderBytes int
	MaxUploadBytes int64

	ListenHost  string
	ListenPort  int
	MetricsHost string
	MetricsPort int

	RateLimitCacheSize int
	TrustForwarded     bool
}

type dConfigManager interface {
	Load() error
	Watch(context.Context) (<-chan struct{}, <-chan error, error)
	RateLimit() (int, time.Duration)
}

// New creates a new Server storing submissions through db.
func New(ctx context.Context, cm dConfigManager, db handlers.UnitOfWork, sc StaticConfig) (*Server, error) {
	if sc.ConfigPath != "" {
		if err := cm.Load(); err != nil {
			return nil, fmt.Errorf("failed to load configuration: %v", err)
		}
	}

	reg := commonmetrics.NewRegistry()

	requests, window := cm.RateLimit()
	limiter, err := ratelimit.New(requests, window, sc.RateLimitCacheSize, reg,
		ratelimit.WithTrustForwarded(sc.TrustForwarded),
		ratelimit.WithExemptPaths("/health", "/healthz"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	s := Server{
		limiter:     limiter,
		cm:          cm,
		watchConfig: sc.ConfigPath != "",
		ctx:         ctx,
		cancel:      cancel,

		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,
	}

	s.httpServer = &http.Server{
		Addr:           net.JoinHostPort(sc.ListenHost, strconv.Itoa(sc.ListenPort)),
		ReadTimeout:    sc.ReadTimeout,
		WriteTimeout:   sc.WriteTimeout,
		Handler:        newHandler(db, limiter, reg, sc),
		MaxHeaderBytes: sc.MaxHeaderBytes,
	}
	s.metricsServer = commonmetrics.New(commonmetrics.Config{
		Host:         sc.MetricsHost,
		Port:         sc.MetricsPort,
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
	}, reg)

	return &s, nil
}

// newHandler builds the middleware chain: mux metrics, rate limiting, request timeout and routing.
func newHandler(db handlers.UnitOfWork, limiter *ratelimit.Limiter, reg prometheus.Registerer, sc StaticConfig) http.Handler {
	endpoints := metrics.NewEndpointMiddleware(reg)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierror.Write(w, r, http.StatusNotFound, "No route matches the request path")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierror.Write(w, r, http.StatusMethodNotAllowed, "Method not allowed on this path")
	})

	scanResult := handlers.NewScanResult(db, instances.New(), sc.MaxUploadBytes, reg)
	r.Method(http.MethodPost, ScanResultPath, endpoints.Wrap("scan-result", scanResult))
	health := endpoints.Wrap("health", http.HandlerFunc(handlers.HealthHandler))
	r.Method(http.MethodGet, "/health", health)
	r.Method(http.MethodGet, "/healthz", health)
	r.Method(http.MethodGet, "/version", endpoints.Wrap("version", http.HandlerFunc(handlers.VersionHandler)))

	timeout := http.TimeoutHandler(r, sc.RequestTimeout, `{"status":503,"error":"Service Unavailable","message":"Request timed out"}`)
	return metrics.NewMuxMiddleware(reg).Wrap("mux", limiter.Middleware(timeout))
}

// Run starts the HTTP servers and listens for incoming requests.
func (s *Server) Run() error {
	// already asked to quit?
	select {
	case <-s.gracefulCtx.Done():
		return errors.New("server is already shutting down")
	default:
	}

	var (
		changes  <-chan struct{}
		watchErr <-chan error
	)
	if s.watchConfig {
		var err error
		changes, watchErr, err = s.cm.Watch(s.gracefulCtx)
		if err != nil {
			return fmt.Errorf("failed to start watching configuration: %v", err)
		}
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to listen on %s: %v", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.primaryAddr = listener.Addr()
	s.mu.Unlock()
	slog.Info("Starting server", "addr", listener.Addr().String())

	serverErr := make(chan error, 2)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("primary server: %v", err)
		}
	}()
	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("metrics server: %v", err)
		}
	}()

	for {
		select {
		case <-s.gracefulCtx.Done():
			slog.Info("Graceful shutdown initiated")
			// use parent ctx so if you call s.cancel() elsewhere it unblocks Shutdown immediately
			err := errors.Join(s.httpServer.Shutdown(s.ctx), s.metricsServer.Shutdown(s.ctx))
			s.cancel()
			if err != nil {
				slog.Error("Graceful shutdown failed", "err", err)
				return err
			}
			slog.Info("Server shut down gracefully")
			return nil

		case err := <-serverErr:
			slog.Error("Server encountered error", "err", err)
			return errors.Join(err, s.close())

		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if err := s.limiter.Reconfigure(s.cm.RateLimit()); err != nil {
				slog.Warn("Failed to apply the new rate limit", "err", err)
			}

		case err, ok := <-watchErr:
			if !ok {
				watchErr = nil
				continue
			}
			slog.Error("Config watcher encountered unrecoverable error", "err", err)
			return errors.Join(err, s.close())
		}
	}
}

func (s *Server) close() error {
	defer s.cancel()
	return errors.Join(s.httpServer.Close(), s.metricsServer.Close())
}

// Quit shuts down the HTTP servers, gracefully unless force is set.
// The graceful path leaves the parent context to Run, which cancels it once the servers are down.
func (s *Server) Quit(force bool) {
	if force {
		if err := s.close(); err != nil {
			slog.Debug("Error while closing servers", "err", err)
		}
	} else {
		s.gracefulCancel()
	}
	slog.Info("Server quit")
}

// Addr returns the address the primary server listens on, or an empty string before it listens.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.primaryAddr == nil {
		return ""
	}
	return s.primaryAddr.String()
}

// MetricsAddr returns the address the metrics server listens on, or an empty string before it listens.
func (s *Server) MetricsAddr() string {
	return s.metricsServer.Addr()
}
