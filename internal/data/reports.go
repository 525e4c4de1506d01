package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/technosupport/ts-inventory/internal/inventory"
)

const reportColumns = `id, device_id, mode, counts, total, frames_total, frames_sampled,
	tracks, source, sha256, duration_ms, created_at`

type ReportModel struct {
	DB DBTX
}

// Create inserts a report. The id and created_at set by the counter are kept.
func (m ReportModel) Create(ctx context.Context, r *inventory.Report) error {
	counts, err := json.Marshal(r.Counts)
	if err != nil {
		return fmt.Errorf("encode counts: %w", err)
	}
	query := `
		INSERT INTO count_reports (` + reportColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = m.DB.ExecContext(ctx, query,
		r.ID, r.DeviceID, string(r.Mode), counts, r.Total, r.FramesTotal, r.FramesSampled,
		r.Tracks, r.Source, r.SHA256, r.DurationMS, r.CreatedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(s rowScanner) (*inventory.Report, error) {
	var (
		r      inventory.Report
		mode   string
		counts []byte
	)
	err := s.Scan(&r.ID, &r.DeviceID, &mode, &counts, &r.Total, &r.FramesTotal, &r.FramesSampled,
		&r.Tracks, &r.Source, &r.SHA256, &r.DurationMS, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Mode = inventory.Mode(mode)
	r.Counts = inventory.Counts{}
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &r.Counts); err != nil {
			return nil, fmt.Errorf("decode counts: %w", err)
		}
	}
	return &r, nil
}

func (m ReportModel) GetByID(ctx context.Context, id uuid.UUID) (*inventory.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM count_reports WHERE id = $1`
	r, err := scanReport(m.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return r, err
}

// ListByDevice returns a device's reports, newest first.
func (m ReportModel) ListByDevice(ctx context.Context, deviceID string, limit, offset int) ([]*inventory.Report, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT ` + reportColumns + `
		FROM count_reports
		WHERE device_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := m.DB.QueryContext(ctx, query, deviceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []*inventory.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Latest returns the newest report for a device.
func (m ReportModel) Latest(ctx context.Context, deviceID string) (*inventory.Report, error) {
	query := `
		SELECT ` + reportColumns + `
		FROM count_reports
		WHERE device_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	r, err := scanReport(m.DB.QueryRowContext(ctx, query, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return r, err
}
