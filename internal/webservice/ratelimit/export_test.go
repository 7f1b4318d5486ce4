package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WithClock overrides the clock used to refill buckets.
func WithClock(now func() time.Time) Options {
	return func(o *options) {
		o.now = now
	}
}

// RejectedCounter returns the counter of rejected requests.
func (l *Limiter) RejectedCounter() prometheus.Counter {
	return l.rejected
}
