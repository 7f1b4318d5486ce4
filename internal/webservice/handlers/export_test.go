package handlers

import "time"

// WithClock overrides the clock used for the reception time of submissions.
func WithClock(now func() time.Time) Options {
	return func(o *options) {
		o.now = now
	}
}
