package webservice

import (
	"net/http"
	"testing"

	"github.com/radar-lgpd/radar-telemetry/internal/webservice/ratelimit"
)

type DConfigManager = dConfigManager

// HTTPServer returns the primary HTTP server for testing purposes.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Limiter returns the rate limiter of the server.
func (s *Server) Limiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	return s.limiter
}
