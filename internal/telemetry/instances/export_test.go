package instances

import "time"

// WithTokenGenerator overrides the token generator.
func WithTokenGenerator(f func() string) Option {
	return func(o *options) {
		o.newToken = f
	}
}

// WithClock overrides the clock used for creation and activity times.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithMaxAttempts overrides the number of token generation attempts.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		o.maxAttempts = n
	}
}
