// Package apierror writes the uniform JSON error body returned by the web service.
package apierror

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/models"
)

// Body is the JSON error body of every 4xx and 5xx response.
type Body struct {
	Timestamp time.Time           `json:"timestamp"`
	Status    int                 `json:"status"`
	Error     string              `json:"error"`
	Message   string              `json:"message"`
	Path      string              `json:"path"`
	Errors    []models.FieldError `json:"errors,omitempty"`
}

// Write sends status with an error body carrying message and the optional field errors.
func Write(w http.ResponseWriter, r *http.Request, status int, message string, fieldErrs ...models.FieldError) {
	body := Body{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   message,
		Path:      r.URL.Path,
		Errors:    fieldErrs,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("Failed to write error body", "path", r.URL.Path, "err", err)
	}
}
