// Package ratelimit throttles clients by source address with per-client token buckets.
package ratelimit

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/radar-lgpd/radar-telemetry/internal/webservice/apierror"
)

// Headers set on rate limited responses.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderRetryAfter = "Retry-After"
)

// Limiter admits or rejects requests per client key.
//
// Each key owns a bucket of capacity requests which refills evenly over window. Buckets are
// kept in a size-capped cache and expire window after their creation.
type Limiter struct {
	mu        sync.Mutex
	buckets   *expirable.LRU[string, *rate.Limiter]
	requests  int
	window    time.Duration
	cacheSize int

	now            func() time.Time
	trustForwarded bool
	exempt         map[string]struct{}

	rejected prometheus.Counter
}

type options struct {
	now            func() time.Time
	trustForwarded bool
	exemptPaths    []string
}

// Options represents an optional function to override Limiter default values.
type Options func(*options)

// WithTrustForwarded sets whether the first X-Forwarded-For entry identifies the client.
func WithTrustForwarded(trust bool) Options {
	return func(o *options) {
		o.trustForwarded = trust
	}
}

// WithExemptPaths sets the paths that bypass rate limiting.
func WithExemptPaths(paths ...string) Options {
	return func(o *options) {
		o.exemptPaths = paths
	}
}

// New creates a Limiter allowing requests per window for each key, tracking at most cacheSize keys.
// Its rejection counter is registered in reg.
func New(requests int, window time.Duration, cacheSize int, reg prometheus.Registerer, args ...Options) (*Limiter, error) {
	if err := validate(requests, window); err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		return nil, fmt.Errorf("rate limit cache size must be positive, got %d", cacheSize)
	}

	opts := options{
		now:            time.Now,
		trustForwarded: true,
	}
	for _, opt := range args {
		opt(&opts)
	}

	exempt := make(map[string]struct{}, len(opts.exemptPaths))
	for _, p := range opts.exemptPaths {
		exempt[p] = struct{}{}
	}

	return &Limiter{
		buckets:        expirable.NewLRU[string, *rate.Limiter](cacheSize, nil, window),
		requests:       requests,
		window:         window,
		cacheSize:      cacheSize,
		now:            opts.now,
		trustForwarded: opts.trustForwarded,
		exempt:         exempt,
		rejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_rejected_requests_total",
			Help: "Number of requests rejected because the client exceeded its quota.",
		}),
	}, nil
}

func validate(requests int, window time.Duration) error {
	if requests <= 0 {
		return fmt.Errorf("rate limit requests must be positive, got %d", requests)
	}
	if window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", window)
	}
	return nil
}

// Admit consumes one token from the bucket of key.
//
// It returns whether the request is allowed and the number of whole tokens left afterwards.
// A rejected request consumes nothing.
func (l *Limiter) Admit(key string) (allowed bool, remaining int) {
	allowed, remaining, _, _ = l.admit(key)
	return allowed, remaining
}

// admit also returns the quota and window the decision was taken with.
func (l *Limiter) admit(key string) (allowed bool, remaining, limit int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(rate.Every(l.window/time.Duration(l.requests)), l.requests)
		l.buckets.Add(key, b)
	}

	allowed = b.AllowN(now, 1)
	remaining = max(int(b.TokensAt(now)), 0)
	if !allowed {
		remaining = 0
	}
	return allowed, remaining, l.requests, l.window
}

// Limit returns the current quota.
func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests
}

// Window returns the current refill window.
func (l *Limiter) Window() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.window
}

// Reconfigure replaces the quota and window. Every client starts again with a full bucket.
func (l *Limiter) Reconfigure(requests int, window time.Duration) error {
	if err := validate(requests, window); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buckets.Purge()
	if window != l.window {
		// The cache TTL is fixed at creation.
		l.buckets = expirable.NewLRU[string, *rate.Limiter](l.cacheSize, nil, window)
	}
	l.requests = requests
	l.window = window

	slog.Info("Rate limiter reconfigured", "requests", requests, "window", window)
	return nil
}

// Middleware wraps next with rate limiting.
//
// Exempt paths pass through untouched. Every other response carries the limit and remaining
// headers, and rejected requests are answered with 429 and a Retry-After of one window.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := l.exempt[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		key := ClientKey(r, l.trustForwarded)
		allowed, remaining, limit, window := l.admit(key)

		w.Header().Set(HeaderLimit, strconv.Itoa(limit))
		w.Header().Set(HeaderRemaining, strconv.Itoa(remaining))

		if !allowed {
			l.rejected.Inc()
			slog.Warn("Rate limit exceeded", "client", key, "path", r.URL.Path)

			w.Header().Set(HeaderRetryAfter, strconv.Itoa(int(window.Seconds())))
			apierror.Write(w, r, http.StatusTooManyRequests,
				fmt.Sprintf("Rate limit exceeded. Maximum %d requests per %s.", limit, window))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientKey returns the key identifying the client of r.
//
// When trustForwarded is set and X-Forwarded-For is present, its first entry is used.
// Otherwise the connection address without its port is used.
func ClientKey(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
