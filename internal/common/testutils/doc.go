// Package testutils provides test helpers shared by the service packages:
// a recording slog handler, module paths and a disposable PostgreSQL database.
// It should not be used outside of a testing context.
package testutils

import "testing"

func init() {
	if !testing.Testing() {
		panic("testutils package should only be used in a testing context")
	}
}
