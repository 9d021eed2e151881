package db

import (
	"time"

	"github.com/google/uuid"
)

// CounterRow represents a row of device_usage_snapshots
type CounterRow struct {
	ID                     uuid.UUID
	DeviceID               string
	BillingDay             int16
	DailyEventCount        int64
	MonthlyEventCount      int64
	MonthlyLiveSeconds     int64
	MonthlyRecordSeconds   int64
	MonthlyLiveBytes       *int64
	MonthlyRecordBytes     *int64
	MonthlyEventBytes      *int64
	MonthlyUploadBytes     *int64
	LastEventCounterUpdate time.Time
	UpdatedAt              time.Time
	ResetRequestedAt       *time.Time
}

// ScanTargets returns the destinations matching CounterColumns
func (r *CounterRow) ScanTargets() []any {
	return []any{
		&r.ID,
		&r.DeviceID,
		&r.BillingDay,
		&r.DailyEventCount,
		&r.MonthlyEventCount,
		&r.MonthlyLiveSeconds,
		&r.MonthlyRecordSeconds,
		&r.MonthlyLiveBytes,
		&r.MonthlyRecordBytes,
		&r.MonthlyEventBytes,
		&r.MonthlyUploadBytes,
		&r.LastEventCounterUpdate,
		&r.UpdatedAt,
		&r.ResetRequestedAt,
	}
}

// CounterColumns is the select list of device_usage_snapshots, in
// ScanTargets order.
const CounterColumns = `id, device_id, billing_day, daily_event_count, monthly_event_count,
	monthly_live_seconds, monthly_record_seconds, monthly_live_bytes, monthly_record_bytes,
	monthly_event_bytes, monthly_upload_bytes, last_event_counter_update, updated_at, reset_requested_at`

// TrafficRow represents a row of device_mobile_traffic
type TrafficRow struct {
	DeviceID      string
	CreatedDate   string
	BytesReceived int64
	BytesSent     int64
	UpdatedAt     time.Time
}

// ScanTargets returns the destinations matching TrafficColumns
func (r *TrafficRow) ScanTargets() []any {
	return []any{
		&r.DeviceID,
		&r.CreatedDate,
		&r.BytesReceived,
		&r.BytesSent,
		&r.UpdatedAt,
	}
}

// TrafficColumns is the select list of device_mobile_traffic, in
// ScanTargets order. The date is rendered as YYYY-MM-DD text.
const TrafficColumns = `device_id, to_char(created_date, 'YYYY-MM-DD'), bytes_received, bytes_sent, updated_at`
