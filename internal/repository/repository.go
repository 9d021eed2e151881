package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/device-usage-worker/internal/db"
	"github.com/septivank/device-usage-worker/internal/usage"
)

// CounterRepository stores counter snapshots in PostgreSQL
type CounterRepository struct {
	pool *pgxpool.Pool
}

// NewCounterRepository creates a new counter repository
func NewCounterRepository(pool *pgxpool.Pool) *CounterRepository {
	return &CounterRepository{pool: pool}
}

const insertCounterQuery = `
	INSERT INTO device_usage_snapshots (
		id, device_id, billing_day, daily_event_count, monthly_event_count,
		monthly_live_seconds, monthly_record_seconds, monthly_live_bytes, monthly_record_bytes,
		monthly_event_bytes, monthly_upload_bytes, last_event_counter_update, updated_at, reset_requested_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

// Append inserts a counter snapshot
func (r *CounterRepository) Append(ctx context.Context, snapshot usage.Snapshot) error {
	if _, err := r.pool.Exec(ctx, insertCounterQuery, insertArgs(snapshot)...); err != nil {
		return fmt.Errorf("failed to insert counter snapshot: %w", err)
	}
	return nil
}

// AppendIfLatest inserts a counter snapshot when previousID is still the
// latest snapshot of the device. The check and the insert run in one
// transaction holding a per-device advisory lock.
func (r *CounterRepository) AppendIfLatest(ctx context.Context, snapshot usage.Snapshot, previousID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, snapshot.DeviceID); err != nil {
		return fmt.Errorf("failed to lock device counters: %w", err)
	}

	latestID := uuid.Nil
	err = tx.QueryRow(ctx, `
		SELECT id
		FROM device_usage_snapshots
		WHERE device_id = $1
		ORDER BY updated_at DESC, seq DESC
		LIMIT 1
	`, snapshot.DeviceID).Scan(&latestID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to query latest counter snapshot id: %w", err)
	}

	if latestID != previousID {
		return fmt.Errorf("latest snapshot is %s, expected %s: %w", latestID, previousID, usage.ErrConcurrentUpdate)
	}

	if _, err := tx.Exec(ctx, insertCounterQuery, insertArgs(snapshot)...); err != nil {
		return fmt.Errorf("failed to insert counter snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot of the device, nil when none
func (r *CounterRepository) Latest(ctx context.Context, deviceID string) (*usage.Snapshot, error) {
	query := `
		SELECT ` + db.CounterColumns + `
		FROM device_usage_snapshots
		WHERE device_id = $1
		ORDER BY updated_at DESC, seq DESC
		LIMIT 1
	`

	var row db.CounterRow
	err := r.pool.QueryRow(ctx, query, deviceID).Scan(row.ScanTargets()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest counter snapshot: %w", err)
	}

	snapshot := fromCounterRow(row)
	return &snapshot, nil
}

// History returns every snapshot of the device, oldest first
func (r *CounterRepository) History(ctx context.Context, deviceID string) ([]usage.Snapshot, error) {
	query := `
		SELECT ` + db.CounterColumns + `
		FROM device_usage_snapshots
		WHERE device_id = $1
		ORDER BY updated_at ASC, seq ASC
	`

	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query counter history: %w", err)
	}
	defer rows.Close()

	var history []usage.Snapshot
	for rows.Next() {
		var row db.CounterRow
		if err := rows.Scan(row.ScanTargets()...); err != nil {
			return nil, fmt.Errorf("failed to scan counter snapshot: %w", err)
		}
		history = append(history, fromCounterRow(row))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return history, nil
}

// DeleteAll removes every snapshot of the listed devices
func (r *CounterRepository) DeleteAll(ctx context.Context, deviceIDs ...string) (int64, error) {
	if len(deviceIDs) == 0 {
		return 0, nil
	}

	tag, err := r.pool.Exec(ctx, `DELETE FROM device_usage_snapshots WHERE device_id = ANY($1)`, deviceIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete counter snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func insertArgs(s usage.Snapshot) []any {
	return []any{
		s.ID,
		s.DeviceID,
		int16(s.BillingDay),
		s.DailyEventCount,
		s.MonthlyEventCount,
		s.MonthlyLiveSeconds,
		s.MonthlyRecordSeconds,
		s.MonthlyLiveBytes,
		s.MonthlyRecordBytes,
		s.MonthlyEventBytes,
		s.MonthlyUploadBytes,
		s.LastEventCounterUpdate,
		s.UpdatedAt,
		s.ResetRequestedAt,
	}
}

func fromCounterRow(row db.CounterRow) usage.Snapshot {
	return usage.Snapshot{
		ID:                     row.ID,
		DeviceID:               row.DeviceID,
		BillingDay:             int(row.BillingDay),
		DailyEventCount:        row.DailyEventCount,
		MonthlyEventCount:      row.MonthlyEventCount,
		MonthlyLiveSeconds:     row.MonthlyLiveSeconds,
		MonthlyRecordSeconds:   row.MonthlyRecordSeconds,
		MonthlyLiveBytes:       row.MonthlyLiveBytes,
		MonthlyRecordBytes:     row.MonthlyRecordBytes,
		MonthlyEventBytes:      row.MonthlyEventBytes,
		MonthlyUploadBytes:     row.MonthlyUploadBytes,
		LastEventCounterUpdate: row.LastEventCounterUpdate.UTC(),
		UpdatedAt:              row.UpdatedAt.UTC(),
		ResetRequestedAt:       utcPtr(row.ResetRequestedAt),
	}
}
