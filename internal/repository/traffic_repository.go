package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/device-usage-worker/internal/db"
	"github.com/septivank/device-usage-worker/internal/traffic"
)

// TrafficRepository stores daily mobile traffic rows in PostgreSQL
type TrafficRepository struct {
	pool *pgxpool.Pool
}

// NewTrafficRepository creates a new traffic repository
func NewTrafficRepository(pool *pgxpool.Pool) *TrafficRepository {
	return &TrafficRepository{pool: pool}
}

// UpsertDaily creates or overwrites the row of (deviceID, day) in a single
// statement
func (r *TrafficRepository) UpsertDaily(ctx context.Context, deviceID, day string, bytesSent, bytesReceived int64, updatedAt time.Time) (traffic.Snapshot, error) {
	query := `
		INSERT INTO device_mobile_traffic (device_id, created_date, bytes_received, bytes_sent, updated_at)
		VALUES ($1, $2::date, $3, $4, $5)
		ON CONFLICT (device_id, created_date) DO UPDATE
		SET bytes_received = EXCLUDED.bytes_received,
			bytes_sent = EXCLUDED.bytes_sent,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + db.TrafficColumns

	var row db.TrafficRow
	err := r.pool.QueryRow(ctx, query, deviceID, day, bytesReceived, bytesSent, updatedAt).Scan(row.ScanTargets()...)
	if err != nil {
		return traffic.Snapshot{}, fmt.Errorf("failed to upsert mobile traffic: %w", err)
	}
	return fromTrafficRow(row), nil
}

// Latest returns the most recently updated row, nil when none
func (r *TrafficRepository) Latest(ctx context.Context, deviceID string) (*traffic.Snapshot, error) {
	query := `
		SELECT ` + db.TrafficColumns + `
		FROM device_mobile_traffic
		WHERE device_id = $1
		ORDER BY updated_at DESC, created_date DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, deviceID)
}

// LatestBefore returns the most recently updated row strictly before the
// given instant, nil when none
func (r *TrafficRepository) LatestBefore(ctx context.Context, deviceID string, before time.Time) (*traffic.Snapshot, error) {
	query := `
		SELECT ` + db.TrafficColumns + `
		FROM device_mobile_traffic
		WHERE device_id = $1 AND updated_at < $2
		ORDER BY updated_at DESC, created_date DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, deviceID, before)
}

// History returns every row of the device, oldest first
func (r *TrafficRepository) History(ctx context.Context, deviceID string) ([]traffic.Snapshot, error) {
	query := `
		SELECT ` + db.TrafficColumns + `
		FROM device_mobile_traffic
		WHERE device_id = $1
		ORDER BY updated_at ASC, created_date ASC
	`
	return r.queryMany(ctx, query, deviceID)
}

// Recent returns up to limit of the latest rows, oldest first
func (r *TrafficRepository) Recent(ctx context.Context, deviceID string, limit int) ([]traffic.Snapshot, error) {
	query := `
		SELECT * FROM (
			SELECT ` + db.TrafficColumns + `
			FROM device_mobile_traffic
			WHERE device_id = $1
			ORDER BY updated_at DESC, created_date DESC
			LIMIT $2
		) AS recent
		ORDER BY updated_at ASC, created_date ASC
	`
	return r.queryMany(ctx, query, deviceID, limit)
}

func (r *TrafficRepository) queryOne(ctx context.Context, query string, args ...any) (*traffic.Snapshot, error) {
	var row db.TrafficRow
	err := r.pool.QueryRow(ctx, query, args...).Scan(row.ScanTargets()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query mobile traffic: %w", err)
	}

	snapshot := fromTrafficRow(row)
	return &snapshot, nil
}

func (r *TrafficRepository) queryMany(ctx context.Context, query string, args ...any) ([]traffic.Snapshot, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mobile traffic: %w", err)
	}
	defer rows.Close()

	var snapshots []traffic.Snapshot
	for rows.Next() {
		var row db.TrafficRow
		if err := rows.Scan(row.ScanTargets()...); err != nil {
			return nil, fmt.Errorf("failed to scan mobile traffic: %w", err)
		}
		snapshots = append(snapshots, fromTrafficRow(row))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return snapshots, nil
}

func fromTrafficRow(row db.TrafficRow) traffic.Snapshot {
	return traffic.Snapshot{
		DeviceID:      row.DeviceID,
		CreatedDate:   row.CreatedDate,
		BytesReceived: row.BytesReceived,
		BytesSent:     row.BytesSent,
		UpdatedAt:     row.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
