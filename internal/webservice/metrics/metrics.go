// Package metrics provides middleware for collecting metrics in the web service, to be interpreted by Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedPath is the path label of requests that were answered before or without routing.
const unmatchedPath = "unmatched"

// MuxMiddleware collects metrics on every request reaching the router, including rejected ones.
type MuxMiddleware struct {
	registry prometheus.Registerer
}

// NewMuxMiddleware creates a new MuxMiddleware instance with the provided registry.
func NewMuxMiddleware(registry prometheus.Registerer) *MuxMiddleware {
	return &MuxMiddleware{
		registry: registry,
	}
}

// Wrap is a middleware function that wraps an HTTP handler to count requests by method and code.
func (m *MuxMiddleware) Wrap(handlerName string, handler http.Handler) http.HandlerFunc {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"handler": handlerName}, m.registry)

	requestsTotal := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_mux_requests_total",
			Help: "Tracks the number of HTTP requests to the mux.",
		}, []string{"method", "code"},
	)

	return promhttp.InstrumentHandlerCounter(
		requestsTotal,
		handler,
	)
}

// EndpointMiddleware collects HTTP request metrics specific to endpoints.
type EndpointMiddleware struct {
	buckets  []float64
	registry prometheus.Registerer
}

// NewEndpointMiddleware creates a new EndpointMiddleware with the provided registry.
func NewEndpointMiddleware(registry prometheus.Registerer) *EndpointMiddleware {
	return &EndpointMiddleware{
		// Mainly used for HTTP request durations which will skew small unless something is wrong. Max of 10.24.
		buckets:  prometheus.ExponentialBuckets(0.005, 2, 12),
		registry: registry,
	}
}

// Wrap is a middleware function that wraps an HTTP handler to collect metrics from an endpoint.
//
// The path label is the matched route pattern, so that path parameters do not create new series.
func (m *EndpointMiddleware) Wrap(handlerName string, handler http.Handler) http.HandlerFunc {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"handler": handlerName}, m.registry)
	labels := []string{"method", "code", "path"}

	requestsTotal := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_endpoint_requests_total",
			Help: "Tracks the number of HTTP requests to the endpoint.",
		}, labels,
	)
	requestDuration := promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_endpoint_request_duration_seconds",
			Help:    "Tracks the latencies for HTTP requests to the endpoint.",
			Buckets: m.buckets,
		},
		labels,
	)
	requestSize := promauto.With(reg).NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "http_endpoint_request_size_bytes",
			Help: "Tracks the size of HTTP requests to the endpoint.",
		},
		labels,
	)

	pathLabel := promhttp.WithLabelFromCtx("path", pathLabelFromCtx)
	base := promhttp.InstrumentHandlerCounter(
		requestsTotal,
		promhttp.InstrumentHandlerDuration(
			requestDuration,
			promhttp.InstrumentHandlerRequestSize(
				requestSize,
				handler,
				pathLabel,
			),
			pathLabel,
		),
		pathLabel,
	)

	return base.ServeHTTP
}

func pathLabelFromCtx(ctx context.Context) string {
	rctx := chi.RouteContext(ctx)
	if rctx == nil {
		return unmatchedPath
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return unmatchedPath
}
