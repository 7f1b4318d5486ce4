// Package metrics provides the Prometheus registry and the metrics HTTP server of the service.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Path is where the metrics are exposed.
const Path = "/metrics"

// Config holds the configuration for the metrics server.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves the metrics of a registry on its own listener, apart from the ingest traffic.
type Server struct {
	httpServer *http.Server
	addr       atomic.Pointer[string]
}

// NewRegistry returns a registry with the Go runtime and process collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler exposes the metrics gathered from reg. Scrapes of the handler itself are counted in reg.
//
// A failing collector does not fail the scrape: the other metrics are still served and the error is logged.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      scrapeErrorLogger{},
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      reg,
	}))
}

// New creates a metrics server exposing reg on Path.
func New(cfg Config, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("GET "+Path, Handler(reg))

	return &Server{
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// ListenAndServe listens on the configured address and serves until the server is shut down or closed.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("could not listen for metrics on %s: %w", s.httpServer.Addr, err)
	}

	addr := l.Addr().String()
	s.addr.Store(&addr)
	slog.Info("Serving metrics", "addr", addr, "path", Path)

	return s.httpServer.Serve(l)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close stops the server.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Addr returns the address the server is listening on, or an empty string before it listens.
func (s *Server) Addr() string {
	if addr := s.addr.Load(); addr != nil {
		return *addr
	}
	return ""
}

// scrapeErrorLogger reports collection errors through slog.
type scrapeErrorLogger struct{}

func (scrapeErrorLogger) Println(v ...any) {
	slog.Warn("Failed to gather metrics", "err", fmt.Sprint(v...))
}
