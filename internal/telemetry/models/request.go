package models

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Upper bounds of the stored columns.
const (
	MaxVersionLength        = 50
	MaxSourceLocationLength = 255
	MaxStoredInt            = math.MaxInt32
)

// ScanResultRequest is the JSON body of a scan-result submission.
//
// Pointer fields distinguish absent values from zero values.
type ScanResultRequest struct {
	ScanID           string       `json:"scanId"`
	SiteID           string       `json:"siteId"`
	ConsentGiven     *bool        `json:"consentGiven"`
	ScanTimestampUTC string       `json:"scanTimestampUtc"`
	ScanDurationMs   *int         `json:"scanDurationMs"`
	ScannerVersion   string       `json:"scannerVersion"`
	Environment      *Environment `json:"environment"`
	Results          []DataResult `json:"results"`
}

// Environment describes the client's hosting environment.
type Environment struct {
	WPVersion  string `json:"wpVersion"`
	PHPVersion string `json:"phpVersion"`
}

// DataResult is one aggregated finding as sent by the client.
type DataResult struct {
	DataType       string `json:"dataType"`
	SourceLocation string `json:"sourceLocation"`
	Count          *int   `json:"count"`
}

// FieldError describes a single offending field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is the list of every field violation found in a request.
type ValidationErrors []FieldError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, fe := range e {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return "invalid payload: " + strings.Join(msgs, "; ")
}

// DataTypes is the closed set of accepted finding categories.
var DataTypes = []string{
	"CPF",
	"EMAIL",
	"TELEFONE",
	"RG",
	"CNH",
	"NOME_COMPLETO",
	"ENDERECO",
	"DATA_NASCIMENTO",
	"CARTAO_CREDITO",
}

var (
	siteIDPattern    = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`)
	semverPattern    = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?$`)

	personalDataPatterns = []struct {
		what    string
		pattern *regexp.Regexp
	}{
		{"CPF", regexp.MustCompile(`\d{3}\.?\d{3}\.?\d{3}-?\d{2}`)},
		{"email", regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
		{"phone number", regexp.MustCompile(`\(?\d{2}\)?\s?\d{4,5}-?\d{4}`)},
		{"credit card number", regexp.MustCompile(`\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}`)},
	}
)

// A validator inspects one aspect of the request and reports every violation it finds.
type validator func(r *ScanResultRequest) []FieldError

var validators = []validator{
	validateScanID,
	validateSiteID,
	validateTimestamp,
	validateDuration,
	validateScannerVersion,
	validateEnvironment,
	validateResults,
}

// Validate runs all field validators and returns ValidationErrors if any field is invalid.
//
// Consent is not a field format and is left to HasConsent.
func (r *ScanResultRequest) Validate() error {
	var errs ValidationErrors
	for _, v := range validators {
		errs = append(errs, v(r)...)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// HasConsent reports whether the client explicitly gave consent.
func (r *ScanResultRequest) HasConsent() bool {
	return r.ConsentGiven != nil && *r.ConsentGiven
}

// ToSubmission converts a validated request into its storage form.
func (r *ScanResultRequest) ToSubmission(receivedAt time.Time) (Submission, error) {
	ts, err := time.Parse(time.RFC3339, r.ScanTimestampUTC)
	if err != nil {
		return Submission{}, fmt.Errorf("invalid scan timestamp %q: %v", r.ScanTimestampUTC, err)
	}

	s := Submission{
		ScanID:         r.ScanID,
		SiteHash:       r.SiteID,
		ConsentGiven:   r.HasConsent(),
		ScanTimestamp:  ts.UTC(),
		ScanDurationMs: *r.ScanDurationMs,
		ScannerVersion: r.ScannerVersion,
		WPVersion:      r.Environment.WPVersion,
		PHPVersion:     r.Environment.PHPVersion,
		ReceivedAt:     receivedAt,
		Findings:       make([]Finding, 0, len(r.Results)),
	}
	for _, res := range r.Results {
		s.Findings = append(s.Findings, Finding{
			DataType:       strings.ToUpper(strings.TrimSpace(res.DataType)),
			SourceLocation: res.SourceLocation,
			Count:          *res.Count,
		})
	}
	return s, nil
}

func validateScanID(r *ScanResultRequest) []FieldError {
	if r.ScanID == "" {
		return []FieldError{{"scanId", "scanId is required"}}
	}
	// uuid.Parse also accepts the braced, urn and raw hex forms: only the canonical one is allowed.
	if _, err := uuid.Parse(r.ScanID); err != nil || len(r.ScanID) != 36 {
		return []FieldError{{"scanId", "scanId must be a valid UUID"}}
	}
	return nil
}

func validateSiteID(r *ScanResultRequest) []FieldError {
	if strings.TrimSpace(r.SiteID) == "" {
		return []FieldError{{"siteId", "siteId is required"}}
	}
	if !siteIDPattern.MatchString(r.SiteID) {
		return []FieldError{{"siteId", "siteId must be a SHA-256 hex digest"}}
	}
	return nil
}

func validateTimestamp(r *ScanResultRequest) []FieldError {
	if strings.TrimSpace(r.ScanTimestampUTC) == "" {
		return []FieldError{{"scanTimestampUtc", "scanTimestampUtc is required"}}
	}
	if !timestampPattern.MatchString(r.ScanTimestampUTC) {
		return []FieldError{{"scanTimestampUtc", "scanTimestampUtc must be UTC ISO-8601 (YYYY-MM-DDTHH:MM:SSZ)"}}
	}
	if _, err := time.Parse(time.RFC3339, r.ScanTimestampUTC); err != nil {
		return []FieldError{{"scanTimestampUtc", "scanTimestampUtc is not a valid date"}}
	}
	return nil
}

func validateDuration(r *ScanResultRequest) []FieldError {
	if r.ScanDurationMs == nil {
		return []FieldError{{"scanDurationMs", "scanDurationMs is required"}}
	}
	if *r.ScanDurationMs < 0 || *r.ScanDurationMs > MaxStoredInt {
		return []FieldError{{"scanDurationMs", fmt.Sprintf("scanDurationMs must be between 0 and %d", MaxStoredInt)}}
	}
	return nil
}

func validateScannerVersion(r *ScanResultRequest) []FieldError {
	if strings.TrimSpace(r.ScannerVersion) == "" {
		return []FieldError{{"scannerVersion", "scannerVersion is required"}}
	}
	if fe, tooLong := checkLength("scannerVersion", r.ScannerVersion, MaxVersionLength); tooLong {
		return []FieldError{fe}
	}
	if !semverPattern.MatchString(r.ScannerVersion) {
		return []FieldError{{"scannerVersion", "scannerVersion must follow SemVer (e.g. 1.0.0-mvp)"}}
	}
	return nil
}

func validateEnvironment(r *ScanResultRequest) []FieldError {
	if r.Environment == nil {
		return []FieldError{{"environment", "environment is required"}}
	}

	var errs []FieldError
	for _, f := range []struct{ name, value string }{
		{"wpVersion", r.Environment.WPVersion},
		{"phpVersion", r.Environment.PHPVersion},
	} {
		if strings.TrimSpace(f.value) == "" {
			errs = append(errs, FieldError{"environment." + f.name, f.name + " is required"})
		} else if fe, tooLong := checkLength("environment."+f.name, f.value, MaxVersionLength); tooLong {
			errs = append(errs, fe)
		}
	}
	return errs
}

func validateResults(r *ScanResultRequest) []FieldError {
	if len(r.Results) == 0 {
		return []FieldError{{"results", "results must not be empty"}}
	}

	var errs []FieldError
	for i, res := range r.Results {
		prefix := fmt.Sprintf("results[%d].", i)

		if !slices.Contains(DataTypes, strings.ToUpper(strings.TrimSpace(res.DataType))) {
			errs = append(errs, FieldError{prefix + "dataType", "dataType must be one of " + strings.Join(DataTypes, ", ")})
		}

		if strings.TrimSpace(res.SourceLocation) == "" {
			errs = append(errs, FieldError{prefix + "sourceLocation", "sourceLocation is required"})
		} else if fe, tooLong := checkLength(prefix+"sourceLocation", res.SourceLocation, MaxSourceLocationLength); tooLong {
			errs = append(errs, fe)
		} else if what, found := containsPersonalData(res.SourceLocation); found {
			errs = append(errs, FieldError{prefix + "sourceLocation", "sourceLocation contains a possible " + what})
		}

		if res.Count == nil {
			errs = append(errs, FieldError{prefix + "count", "count is required"})
		} else if *res.Count < 0 || *res.Count > MaxStoredInt {
			errs = append(errs, FieldError{prefix + "count", fmt.Sprintf("count must be between 0 and %d", MaxStoredInt)})
		}
	}
	return errs
}

// checkLength reports a field error when value has more than max characters.
func checkLength(field, value string, max int) (FieldError, bool) {
	if utf8.RuneCountInString(value) <= max {
		return FieldError{}, false
	}
	return FieldError{field, fmt.Sprintf("%s must be at most %d characters", field, max)}, true
}

func containsPersonalData(s string) (what string, found bool) {
	for _, p := range personalDataPatterns {
		if p.pattern.MatchString(s) {
			return p.what, true
		}
	}
	return "", false
}
