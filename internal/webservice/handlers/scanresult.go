// Package handlers provides HTTP handlers for the server.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/database"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/ingest"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/instances"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/models"
	"github.com/radar-lgpd/radar-telemetry/internal/webservice/apierror"
)

// Response statuses of the scan result endpoint.
const (
	StatusRegistered = "registered"
	StatusReceived   = "received"
)

var errConsentRequired = errors.New("consent is required to submit telemetry")

// UnitOfWork runs a function inside a single database transaction.
type UnitOfWork interface {
	WithTx(ctx context.Context, fn func(database.Tx) error) error
}

// ScanResultResponse is the body of a successful submission.
// The token is only present in the response that registered the instance.
type ScanResultResponse struct {
	Status        string `json:"status"`
	InstanceToken string `json:"instance_token,omitempty"`
}

type scanMetrics struct {
	scans         *prometheus.CounterVec
	registrations prometheus.Counter
	authFailures  *prometheus.CounterVec
	rejections    *prometheus.CounterVec
}

func newScanMetrics(reg prometheus.Registerer) scanMetrics {
	f := promauto.With(reg)
	return scanMetrics{
		scans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_scans_total",
			Help: "Number of accepted scan submissions by outcome.",
		}, []string{"flow", "outcome"}),
		registrations: f.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_instances_registered_total",
			Help: "Number of instances registered.",
		}),
		authFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_auth_failures_total",
			Help: "Number of submissions rejected because of their instance token.",
		}, []string{"reason"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_rejected_submissions_total",
			Help: "Number of submissions rejected before reaching the store.",
		}, []string{"reason"}),
	}
}

// ScanResult handles scan result submissions.
//
// Requests with a non-blank Authorization header go through the authenticated flow, the others
// register a new instance. Both flows ingest the scan in the same transaction as their registry
// operations.
type ScanResult struct {
	db            UnitOfWork
	registry      *instances.Registry
	maxUploadSize int64
	now           func() time.Time

	metrics scanMetrics
}

type options struct {
	now func() time.Time
}

// Options represents an optional function to override ScanResult default values.
type Options func(*options)

// NewScanResult creates a new ScanResult handler.
func NewScanResult(db UnitOfWork, registry *instances.Registry, maxUploadSize int64, reg prometheus.Registerer, args ...Options) *ScanResult {
	opts := options{
		now: time.Now,
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &ScanResult{
		db:            db,
		registry:      registry,
		maxUploadSize: maxUploadSize,
		now:           opts.now,
		metrics:       newScanMetrics(reg),
	}
}

// ServeHTTP handles incoming scan result submissions.
func (h *ScanResult) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	log := slog.With("req_id", reqID)

	credential := strings.TrimSpace(r.Header.Get("Authorization"))
	log.Debug("Request recv'd", "authenticated", credential != "")

	req, ok := h.decode(w, r, log)
	if !ok {
		return
	}

	if err := req.Validate(); err != nil {
		var verrs models.ValidationErrors
		if !errors.As(err, &verrs) {
			h.internalError(w, r, log, err)
			return
		}
		h.metrics.rejections.WithLabelValues("validation").Inc()
		log.Info("Invalid submission", "scan_id", req.ScanID, "errors", verrs.Error())
		apierror.Write(w, r, http.StatusBadRequest, "Validation failed", verrs...)
		return
	}

	if !req.HasConsent() {
		h.metrics.rejections.WithLabelValues("consent").Inc()
		log.Warn("Submission rejected without consent", "scan_id", req.ScanID, "site_id", req.SiteID)
		apierror.Write(w, r, http.StatusForbidden, errConsentRequired.Error())
		return
	}

	submission, err := req.ToSubmission(h.now())
	if err != nil {
		h.internalError(w, r, log, err)
		return
	}

	var resp ScanResultResponse
	if credential != "" {
		resp, err = h.authenticated(r.Context(), log, credential, submission)
	} else {
		resp, err = h.register(r.Context(), log, submission)
	}

	if errors.Is(err, instances.ErrUnauthorized) {
		h.metrics.authFailures.WithLabelValues(authFailureReason(err)).Inc()
		log.Warn("Submission rejected", "scan_id", submission.ScanID, "reason", err)
		apierror.Write(w, r, http.StatusUnauthorized, "Invalid or inactive instance token")
		return
	}
	if err != nil {
		h.internalError(w, r, log, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// decode reads the submission body, rejecting unknown fields and trailing data.
func (h *ScanResult) decode(w http.ResponseWriter, r *http.Request, log *slog.Logger) (req models.ScanResultRequest, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(&req)
	if err == nil {
		// Anything but the end of the body after the object is rejected.
		if _, err = dec.Token(); err == nil {
			err = errors.New("unexpected data after the JSON object")
		} else if errors.Is(err, io.EOF) {
			return req, true
		}
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		log.Info("Request body too large", "limit", maxErr.Limit)
		apierror.Write(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", maxErr.Limit))
		return req, false
	}

	log.Info("Malformed request body", "err", err)
	apierror.Write(w, r, http.StatusBadRequest, "Malformed JSON request")
	return req, false
}

// authenticated ingests the submission for the instance owning credential.
func (h *ScanResult) authenticated(ctx context.Context, log *slog.Logger, credential string, s models.Submission) (ScanResultResponse, error) {
	var processed bool
	err := h.db.WithTx(ctx, func(tx database.Tx) error {
		inst, err := h.registry.Validate(ctx, tx, credential)
		if err != nil {
			return err
		}
		processed, err = h.ingest(ctx, log, tx, inst, s)
		return err
	})
	if err != nil {
		return ScanResultResponse{}, err
	}

	h.metrics.scans.WithLabelValues("authenticated", outcome(processed)).Inc()
	return ScanResultResponse{Status: StatusReceived}, nil
}

// register creates an instance for the submission's site and ingests the submission for it.
func (h *ScanResult) register(ctx context.Context, log *slog.Logger, s models.Submission) (ScanResultResponse, error) {
	var (
		token     string
		processed bool
	)
	err := h.db.WithTx(ctx, func(tx database.Tx) error {
		inst, err := h.registry.Register(ctx, tx, s.SiteHash, s.ScannerVersion)
		if err != nil {
			return err
		}
		token = inst.Token
		processed, err = h.ingest(ctx, log, tx, inst, s)
		return err
	})
	if err != nil {
		return ScanResultResponse{}, err
	}

	h.metrics.registrations.Inc()
	h.metrics.scans.WithLabelValues("registration", outcome(processed)).Inc()
	return ScanResultResponse{Status: StatusRegistered, InstanceToken: token}, nil
}

// ingest stores the submission and records the instance activity when it was new.
func (h *ScanResult) ingest(ctx context.Context, log *slog.Logger, tx database.Tx, inst models.Instance, s models.Submission) (bool, error) {
	processed, err := ingest.Ingest(ctx, tx, inst.ID, s)
	if err != nil {
		return false, err
	}
	if !processed {
		log.Info("Duplicate scan, activity not recorded", "scan_id", s.ScanID, "instance_id", inst.ID)
		return false, nil
	}

	if _, err := h.registry.RecordActivity(ctx, tx, inst); err != nil {
		return false, err
	}
	log.Info("Scan processed", "scan_id", s.ScanID, "instance_id", inst.ID)
	return true, nil
}

func (h *ScanResult) internalError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	log.Error("Failed to process scan result", "err", err)
	apierror.Write(w, r, http.StatusInternalServerError, "An unexpected error occurred")
}

func outcome(processed bool) string {
	if processed {
		return "processed"
	}
	return "duplicate"
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, instances.ErrInstanceBanned):
		return "banned"
	case errors.Is(err, instances.ErrInstanceInactive):
		return "inactive"
	default:
		return "not_found"
	}
}
