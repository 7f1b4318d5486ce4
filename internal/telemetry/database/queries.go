package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/models"
)

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

const instanceColumns = `id, instance_token, site_id, status, scan_count, last_seen_at, created_at, scanner_version_at_registration`

func scanInstance(row pgx.Row) (models.Instance, error) {
	var (
		inst           models.Instance
		status         string
		lastSeenAt     *time.Time
		scannerVersion *string
	)
	if err := row.Scan(
		&inst.ID,
		&inst.Token,
		&inst.SiteHash,
		&status,
		&inst.ScanCount,
		&lastSeenAt,
		&inst.CreatedAt,
		&scannerVersion,
	); err != nil {
		return models.Instance{}, err
	}

	inst.Status = models.InstanceStatus(status)
	if lastSeenAt != nil {
		inst.LastSeenAt = *lastSeenAt
	}
	if scannerVersion != nil {
		inst.RegisteredScannerVersion = *scannerVersion
	}
	return inst, nil
}

func (t pgTx) TokenExists(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM instances WHERE instance_token = $1)`, token).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check token existence: %w", err)
	}
	return exists, nil
}

func (t pgTx) InstanceByToken(ctx context.Context, token string) (models.Instance, bool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE instance_token = $1`, token)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Instance{}, false, nil
	}
	if err != nil {
		return models.Instance{}, false, fmt.Errorf("failed to get instance by token: %w", err)
	}
	return inst, true, nil
}

func (t pgTx) CreateInstance(ctx context.Context, inst models.Instance) (models.Instance, error) {
	row := t.tx.QueryRow(ctx,
		`INSERT INTO instances (
			instance_token,
			site_id,
			status,
			scan_count,
			created_at,
			scanner_version_at_registration
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+instanceColumns,
		inst.Token,                    // instance_token
		inst.SiteHash,                 // site_id
		string(inst.Status),           // status
		inst.ScanCount,                // scan_count
		inst.CreatedAt,                // created_at
		inst.RegisteredScannerVersion, // scanner_version_at_registration
	)
	created, err := scanInstance(row)
	if err != nil {
		return models.Instance{}, fmt.Errorf("failed to insert instance: %w", err)
	}
	return created, nil
}

func (t pgTx) RecordInstanceActivity(ctx context.Context, id int64, seenAt time.Time) (models.Instance, error) {
	row := t.tx.QueryRow(ctx,
		`UPDATE instances
		SET scan_count = scan_count + 1,
			last_seen_at = GREATEST(COALESCE(last_seen_at, $2), $2)
		WHERE id = $1
		RETURNING `+instanceColumns,
		id,
		seenAt,
	)
	inst, err := scanInstance(row)
	if err != nil {
		return models.Instance{}, fmt.Errorf("failed to record activity: %w", err)
	}
	return inst, nil
}

func (t pgTx) SetInstanceStatus(ctx context.Context, id int64, status models.InstanceStatus) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE instances SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return false, fmt.Errorf("failed to update instance status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t pgTx) ScanExists(ctx context.Context, scanID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scan_results WHERE scan_id = $1)`, scanID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check scan existence: %w", err)
	}
	return exists, nil
}

// InsertScan writes the submission header. A concurrent insert of the same scan id is
// absorbed by the unique constraint and reported as inserted == false.
func (t pgTx) InsertScan(ctx context.Context, instanceID int64, s models.Submission) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO scan_results (
			scan_id,
			instance_id,
			site_id,
			consent_given,
			scan_timestamp_utc,
			scan_duration_ms,
			scanner_version,
			wp_version,
			php_version,
			received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (scan_id) DO NOTHING
		RETURNING id`,
		s.ScanID,         // scan_id
		instanceID,       // instance_id
		s.SiteHash,       // site_id
		s.ConsentGiven,   // consent_given
		s.ScanTimestamp,  // scan_timestamp_utc
		s.ScanDurationMs, // scan_duration_ms
		s.ScannerVersion, // scanner_version
		s.WPVersion,      // wp_version
		s.PHPVersion,     // php_version
		s.ReceivedAt,     // received_at
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert scan result: %w", err)
	}
	return id, true, nil
}

func (t pgTx) InsertFindings(ctx context.Context, scanRowID int64, findings []models.Finding) error {
	rows := make([][]any, 0, len(findings))
	for _, f := range findings {
		rows = append(rows, []any{scanRowID, f.DataType, f.SourceLocation, f.Count})
	}

	n, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"data_results"},
		[]string{"scan_result_id", "data_type", "source_location", "count"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to insert data results: %w", err)
	}
	if int(n) != len(findings) {
		return fmt.Errorf("inserted %d data results, expected %d", n, len(findings))
	}
	return nil
}
