// Package ingest persists accepted scan submissions exactly once.
package ingest

import (
	"context"
	"log/slog"

	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/models"
	"github.com/ubuntu/decorate"
)

// Store is the persistence needed to ingest a submission. It is expected to be bound to
// the caller's transaction.
type Store interface {
	ScanExists(ctx context.Context, scanID string) (bool, error)
	InsertScan(ctx context.Context, instanceID int64, s models.Submission) (scanRowID int64, inserted bool, err error)
	InsertFindings(ctx context.Context, scanRowID int64, findings []models.Finding) error
}

// Ingest persists the submission and its findings for the given instance.
//
// It returns processed == false without writing anything when the scan id is already known,
// including when a concurrent request stored it first. A duplicate is not an error.
func Ingest(ctx context.Context, store Store, instanceID int64, s models.Submission) (processed bool, err error) {
	defer decorate.OnError(&err, "could not ingest scan %s", s.ScanID)

	exists, err := store.ScanExists(ctx, s.ScanID)
	if err != nil {
		return false, err
	}
	if exists {
		slog.Info("Duplicate scan ignored", "scan_id", s.ScanID, "instance_id", instanceID)
		return false, nil
	}

	rowID, inserted, err := store.InsertScan(ctx, instanceID, s)
	if err != nil {
		return false, err
	}
	if !inserted {
		slog.Info("Duplicate scan ignored after concurrent insert", "scan_id", s.ScanID, "instance_id", instanceID)
		return false, nil
	}

	if len(s.Findings) > 0 {
		if err := store.InsertFindings(ctx, rowID, s.Findings); err != nil {
			return false, err
		}
	}

	slog.Info("Scan ingested", "scan_id", s.ScanID, "instance_id", instanceID, "findings", len(s.Findings))
	return true, nil
}
