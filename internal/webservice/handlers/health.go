package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/radar-lgpd/radar-telemetry/internal/common/constants"
)

type healthBody struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// HealthHandler reports that the service is up. It performs no dependency checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{
		Status:  "UP",
		Service: constants.ServiceName,
		Version: constants.Version,
	})
}

// VersionHandler handles requests to the /version endpoint.
func VersionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": constants.Version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response body", "err", err)
	}
}
