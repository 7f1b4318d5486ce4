package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/radar-lgpd/radar-telemetry/internal/common/constants"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/instances"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/models"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/testutils"
	"github.com/radar-lgpd/radar-telemetry/internal/webservice/apierror"
	"github.com/radar-lgpd/radar-telemetry/internal/webservice/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	target   = "/v1/telemetry/scan-result"
	siteHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	scanA    = "123e4567-e89b-12d3-a456-426614174001"
	scanB    = "123e4567-e89b-12d3-a456-426614174002"
)

var receivedAt = time.Date(2025, 10, 21, 8, 0, 0, 0, time.UTC)

// payload returns a valid submission body for scanID, modified by the given funcs.
func payload(t *testing.T, scanID string, mods ...func(map[string]any)) []byte {
	t.Helper()

	p := map[string]any{
		"scanId":           scanID,
		"siteId":           siteHash,
		"consentGiven":     true,
		"scanTimestampUtc": "2025-10-20T21:20:00Z",
		"scanDurationMs":   1500,
		"scannerVersion":   "1.0.0-mvp",
		"environment":      map[string]any{"wpVersion": "6.4.0", "phpVersion": "8.2.0"},
		"results": []any{
			map[string]any{"dataType": "CPF", "sourceLocation": "wp_comments.comment_content", "count": 152},
			map[string]any{"dataType": "EMAIL", "sourceLocation": "wp_users.user_email", "count": 3},
		},
	}
	for _, m := range mods {
		m(p)
	}

	b, err := json.Marshal(p)
	require.NoError(t, err, "Setup: could not marshal payload")
	return b
}

type fixture struct {
	store   *testutils.MemoryStore
	reg     *prometheus.Registry
	handler http.Handler
}

func newFixture(t *testing.T, maxUpload int64) fixture {
	t.Helper()

	store := testutils.NewMemoryStore()
	reg := prometheus.NewRegistry()
	h := handlers.NewScanResult(store, instances.New(), maxUpload, reg, handlers.WithClock(func() time.Time { return receivedAt }))
	return fixture{store: store, reg: reg, handler: h}
}

func (f fixture) post(t *testing.T, body []byte, auth string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestScanResult(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		body       func(t *testing.T) []byte
		auth       string
		seedStatus models.InstanceStatus
		storeErrs  map[string]error
		maxUpload  int64

		wantCode      int
		wantStatus    string
		wantToken     bool
		wantFields    []string
		wantInstances int
		wantScans     int
		wantFindings  int
		wantScanCount int
	}{
		"Registration without a header": {
			body:          func(t *testing.T) []byte { return payload(t, scanA) },
			wantCode:      http.StatusOK,
			wantStatus:    handlers.StatusRegistered,
			wantToken:     true,
			wantInstances: 1,
			wantScans:     1,
			wantFindings:  2,
			wantScanCount: 1,
		},
		"Blank header registers": {
			body:          func(t *testing.T) []byte { return payload(t, scanA) },
			auth:          "   ",
			wantCode:      http.StatusOK,
			wantStatus:    handlers.StatusRegistered,
			wantToken:     true,
			wantInstances: 1,
			wantScans:     1,
			wantFindings:  2,
			wantScanCount: 1,
		},
		"Authenticated submission": {
			body:          func(t *testing.T) []byte { return payload(t, scanA) },
			auth:          "Bearer seeded-token",
			seedStatus:    models.StatusActive,
			wantCode:      http.StatusOK,
			wantStatus:    handlers.StatusReceived,
			wantInstances: 1,
			wantScans:     1,
			wantFindings:  2,
			wantScanCount: 1,
		},
		"Authenticated submission without scheme": {
			body:          func(t *testing.T) []byte { return payload(t, scanA) },
			auth:          "seeded-token",
			seedStatus:    models.StatusActive,
			wantCode:      http.StatusOK,
			wantStatus:    handlers.StatusReceived,
			wantInstances: 1,
			wantScans:     1,
			wantFindings:  2,
			wantScanCount: 1,
		},

		// Error cases
		"Error when consent is false": {
			body:     func(t *testing.T) []byte { return payload(t, scanA, func(p map[string]any) { p["consentGiven"] = false }) },
			wantCode: http.StatusForbidden,
		},
		"Error when consent is absent": {
			body:     func(t *testing.T) []byte { return payload(t, scanA, func(p map[string]any) { delete(p, "consentGiven") }) },
			wantCode: http.StatusForbidden,
		},
		"Error on consent before an unknown token": {
			body:     func(t *testing.T) []byte { return payload(t, scanA, func(p map[string]any) { p["consentGiven"] = false }) },
			auth:     "Bearer unknown",
			wantCode: http.StatusForbidden,
		},
		"Error on consent before a banned token": {
			body:          func(t *testing.T) []byte { return payload(t, scanA, func(p map[string]any) { p["consentGiven"] = false }) },
			auth:          "Bearer seeded-token",
			seedStatus:    models.StatusBanned,
			wantCode:      http.StatusForbidden,
			wantInstances: 1,
		},
		"Error on unknown token": {
			body:     func(t *testing.T) []byte { return payload(t, scanA) },
			auth:     "Bearer unknown",
			wantCode: http.StatusUnauthorized,
		},
		"Error on banned token": {
			body:          func(t *testing.T) []byte { return payload(t, scanA) },
			auth:          "Bearer seeded-token",
			seedStatus:    models.StatusBanned,
			wantCode:      http.StatusUnauthorized,
			wantInstances: 1,
		},
		"Error on inactive token": {
			body:          func(t *testing.T) []byte { return payload(t, scanA) },
			auth:          "Bearer seeded-token",
			seedStatus:    models.StatusInactive,
			wantCode:      http.StatusUnauthorized,
			wantInstances: 1,
		},
		"Error on scheme without token": {
			body:     func(t *testing.T) []byte { return payload(t, scanA) },
			auth:     "Bearer",
			wantCode: http.StatusUnauthorized,
		},
		"Error on invalid fields": {
			body: func(t *testing.T) []byte {
				return payload(t, "a-1", func(p map[string]any) {
					p["siteId"] = "short"
					p["results"] = []any{}
				})
			},
			wantCode:   http.StatusBadRequest,
			wantFields: []string{"scanId", "siteId", "results"},
		},
		"Error on invalid fields before consent": {
			body: func(t *testing.T) []byte {
				return payload(t, scanA, func(p map[string]any) {
					p["consentGiven"] = false
					p["scanDurationMs"] = -1
				})
			},
			wantCode:   http.StatusBadRequest,
			wantFields: []string{"scanDurationMs"},
		},
		"Error on values the store cannot hold": {
			body: func(t *testing.T) []byte {
				return payload(t, scanA, func(p map[string]any) {
					p["scanDurationMs"] = 3000000000
					p["environment"] = map[string]any{"wpVersion": strings.Repeat("6", 80), "phpVersion": "8.2.0"}
					p["results"] = []any{
						map[string]any{"dataType": "CPF", "sourceLocation": strings.Repeat("x", 300), "count": 4000000000},
					}
				})
			},
			wantCode:   http.StatusBadRequest,
			wantFields: []string{"scanDurationMs", "environment.wpVersion", "results[0].sourceLocation", "results[0].count"},
		},
		"Error on unknown JSON field": {
			body:     func(t *testing.T) []byte { return payload(t, scanA, func(p map[string]any) { p["extra"] = 1 }) },
			wantCode: http.StatusBadRequest,
		},
		"Error on malformed JSON": {
			body:     func(*testing.T) []byte { return []byte(`{"scanId":`) },
			wantCode: http.StatusBadRequest,
		},
		"Error on trailing data": {
			body:     func(t *testing.T) []byte { return append(payload(t, scanA), []byte(` {}`)...) },
			wantCode: http.StatusBadRequest,
		},
		"Error on trailing closing brace": {
			body:     func(t *testing.T) []byte { return append(payload(t, scanA), '}') },
			wantCode: http.StatusBadRequest,
		},
		"Error on wrong field type": {
			body:     func(t *testing.T) []byte { return payload(t, scanA, func(p map[string]any) { p["scanDurationMs"] = "long" }) },
			wantCode: http.StatusBadRequest,
		},
		"Error on oversized body": {
			body:      func(t *testing.T) []byte { return payload(t, scanA) },
			maxUpload: 64,
			wantCode:  http.StatusRequestEntityTooLarge,
		},
		"Error on store failure rolls back the registration": {
			body:      func(t *testing.T) []byte { return payload(t, scanA) },
			storeErrs: map[string]error{"InsertFindings": errors.New("disk full")},
			wantCode:  http.StatusInternalServerError,
		},
		"Error when token lookup fails": {
			body:      func(t *testing.T) []byte { return payload(t, scanA) },
			storeErrs: map[string]error{"TokenExists": errors.New("connection reset")},
			wantCode:  http.StatusInternalServerError,
		},
		"Error on activity failure rolls back the scan": {
			body:          func(t *testing.T) []byte { return payload(t, scanA) },
			auth:          "Bearer seeded-token",
			seedStatus:    models.StatusActive,
			storeErrs:     map[string]error{"RecordInstanceActivity": errors.New("deadlock")},
			wantCode:      http.StatusInternalServerError,
			wantInstances: 1,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.maxUpload == 0 {
				tc.maxUpload = 1 << 17
			}
			f := newFixture(t, tc.maxUpload)
			if tc.seedStatus != "" {
				f.store.AddInstance(t, models.Instance{Token: "seeded-token", SiteHash: siteHash, Status: tc.seedStatus})
			}
			for op, err := range tc.storeErrs {
				f.store.Errs[op] = err
			}

			rec := f.post(t, tc.body(t), tc.auth)

			require.Equal(t, tc.wantCode, rec.Code, "Status code should match, body: %s", rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), "Responses should be JSON")

			assert.Len(t, f.store.Instances(), tc.wantInstances, "Number of instances should match")
			assert.Len(t, f.store.Scans(), tc.wantScans, "Number of scans should match")
			assert.Len(t, f.store.Findings(), tc.wantFindings, "Number of findings should match")

			if tc.wantCode != http.StatusOK {
				var body apierror.Body
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "Error body should be JSON")
				assert.Equal(t, tc.wantCode, body.Status, "Error body status should match")
				assert.Equal(t, target, body.Path, "Error body path should match")
				assert.NotContains(t, rec.Body.String(), "disk full", "Internal details should not leak")

				var fields []string
				for _, fe := range body.Errors {
					fields = append(fields, fe.Field)
				}
				assert.ElementsMatch(t, tc.wantFields, fields, "Field errors should match")
				return
			}

			var raw map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw), "Body should be JSON")
			assert.Equal(t, tc.wantStatus, raw["status"], "Response status should match")

			token, hasToken := raw["instance_token"].(string)
			require.Equal(t, tc.wantToken, hasToken, "Token presence should match")
			if !tc.wantToken {
				token = "seeded-token"
			} else {
				_, err := uuid.Parse(token)
				require.NoError(t, err, "Issued token should be a UUID")
			}

			inst, ok := f.store.Instance(token)
			require.True(t, ok, "Instance should be stored")
			assert.Equal(t, models.StatusActive, inst.Status, "Instance should be active")
			assert.Equal(t, tc.wantScanCount, inst.ScanCount, "Scan count should match")
			assert.Equal(t, siteHash, inst.SiteHash, "Site hash should match")

			scan := f.store.Scans()[scanA]
			assert.Equal(t, inst.ID, scan.InstanceID, "Scan should belong to the instance")
			assert.Equal(t, receivedAt, scan.Submission.ReceivedAt, "Reception time should come from the clock")
		})
	}
}

// The registration, duplicate and follow-up submission sequence of a single client.
func TestScanResultClientLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1<<17)

	rec := f.post(t, payload(t, scanA), "")
	require.Equal(t, http.StatusOK, rec.Code, "Registration should succeed")
	var registered handlers.ScanResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &registered), "Registration body should be JSON")
	require.Equal(t, handlers.StatusRegistered, registered.Status, "Registration status should match")
	token := registered.InstanceToken
	require.NotEmpty(t, token, "A token should be issued")

	inst, _ := f.store.Instance(token)
	require.Equal(t, 1, inst.ScanCount, "First scan should be counted")

	rec = f.post(t, payload(t, scanA), "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code, "Duplicate submission should succeed")
	assert.JSONEq(t, `{"status":"received"}`, rec.Body.String(), "Duplicate should be acknowledged without a token")
	inst, _ = f.store.Instance(token)
	assert.Equal(t, 1, inst.ScanCount, "Duplicate scan should not be counted")
	assert.Len(t, f.store.Findings(), 2, "Duplicate scan should not store findings")

	rec = f.post(t, payload(t, scanB), "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code, "New submission should succeed")
	assert.JSONEq(t, `{"status":"received"}`, rec.Body.String(), "New scan should be acknowledged without a token")
	inst, _ = f.store.Instance(token)
	assert.Equal(t, 2, inst.ScanCount, "New scan should be counted")
	assert.Len(t, f.store.Scans(), 2, "Both scans should be stored")
	assert.Len(t, f.store.Instances(), 1, "No further instance should be created")

	rec = f.post(t, payload(t, scanB), "Bearer "+strings.ToUpper(token))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "Tokens should match exactly")

	assert.InDelta(t, 1, counterValue(t, f.reg, "telemetry_scans_total", map[string]string{"flow": "registration", "outcome": "processed"}), 0,
		"Registration scans should be counted")
	assert.InDelta(t, 1, counterValue(t, f.reg, "telemetry_scans_total", map[string]string{"flow": "authenticated", "outcome": "duplicate"}), 0,
		"Duplicates should be counted")
	assert.InDelta(t, 1, counterValue(t, f.reg, "telemetry_scans_total", map[string]string{"flow": "authenticated", "outcome": "processed"}), 0,
		"Authenticated scans should be counted")
	assert.InDelta(t, 1, counterValue(t, f.reg, "telemetry_instances_registered_total", map[string]string{}), 0,
		"Registrations should be counted")
	assert.InDelta(t, 1, counterValue(t, f.reg, "telemetry_auth_failures_total", map[string]string{"reason": "not_found"}), 0,
		"Auth failures should be counted")
}

func TestScanResultRegistrationWithKnownScanID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1<<17)
	rec := f.post(t, payload(t, scanA), "")
	require.Equal(t, http.StatusOK, rec.Code, "Setup: first registration should succeed")

	rec = f.post(t, payload(t, scanA), "")
	require.Equal(t, http.StatusOK, rec.Code, "Second registration should succeed")

	var resp handlers.ScanResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "Body should be JSON")
	assert.Equal(t, handlers.StatusRegistered, resp.Status, "Status should be registered")
	require.NotEmpty(t, resp.InstanceToken, "A token should still be issued")

	inst, ok := f.store.Instance(resp.InstanceToken)
	require.True(t, ok, "Second instance should be stored")
	assert.Zero(t, inst.ScanCount, "Duplicate scan should not be counted for the new instance")
	assert.Len(t, f.store.Scans(), 1, "Only the first scan should be stored")
}

func TestScanResultCanceledRequestLeavesNoState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1<<17)
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(payload(t, scanA)))
	ctx, cancel := context.WithCancel(req.Context())
	f.store.AfterScanInsert = func() error {
		cancel()
		return nil
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req.WithContext(ctx))

	assert.Equal(t, http.StatusInternalServerError, rec.Code, "Canceled request should fail")
	assert.Empty(t, f.store.Instances(), "No instance should be committed")
	assert.Empty(t, f.store.Scans(), "No scan should be committed")
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	handlers.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code, "Health should return 200")
	assert.JSONEq(t, `{"status":"UP","service":"`+constants.ServiceName+`","version":"`+constants.Version+`"}`, rec.Body.String(),
		"Health body should match")
}

func TestVersionHandler(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	handlers.VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, rec.Code, "Version should return 200")
	assert.JSONEq(t, `{"version":"`+constants.Version+`"}`, rec.Body.String(), "Version body should match")
}

// counterValue returns the value of the counter name carrying all the given labels.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	mfs, err := reg.Gather()
	require.NoError(t, err, "Gathering metrics should not fail")
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			if maps.Equal(got, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	require.Failf(t, "Metric not found", "%s%v", name, labels)
	return 0
}
