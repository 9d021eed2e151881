// Package traffic tracks the cumulative mobile traffic devices report and
// derives usage for a billing window from it.
package traffic

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/device-usage-worker/internal/clock"
	"github.com/septivank/device-usage-worker/internal/logging"
	"github.com/septivank/device-usage-worker/tools/timeparser"
	"go.uber.org/zap"
)

// Snapshot is the running total of a device for one UTC calendar day. Byte
// counters are cumulative since the device was activated.
type Snapshot struct {
	DeviceID      string    `json:"device_id"`
	CreatedDate   string    `json:"created_date"`
	BytesReceived int64     `json:"bytes_received"`
	BytesSent     int64     `json:"bytes_sent"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Usage is the traffic used inside a billing window.
type Usage struct {
	BytesSent     int64 `json:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received"`
}

// Store persists daily traffic rows.
type Store interface {
	// UpsertDaily creates the row of (deviceID, day) or overwrites its
	// counters, atomically.
	UpsertDaily(ctx context.Context, deviceID, day string, bytesSent, bytesReceived int64, updatedAt time.Time) (Snapshot, error)
	// Latest returns the most recently updated row, nil when there is none.
	Latest(ctx context.Context, deviceID string) (*Snapshot, error)
	// LatestBefore returns the most recently updated row with UpdatedAt
	// strictly before the given instant, nil when there is none.
	LatestBefore(ctx context.Context, deviceID string, before time.Time) (*Snapshot, error)
	// History returns all rows ordered by UpdatedAt.
	History(ctx context.Context, deviceID string) ([]Snapshot, error)
	// Recent returns up to limit of the latest rows ordered by UpdatedAt.
	Recent(ctx context.Context, deviceID string, limit int) ([]Snapshot, error)
}

// Tracker records traffic telemetry and computes billing-window usage.
type Tracker struct {
	store  Store
	clock  clock.Clock
	logger *zap.Logger
}

// NewTracker creates a new mobile traffic tracker
func NewTracker(store Store, clk clock.Clock, logger *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  store,
		clock:  clk,
		logger: logger,
	}
}

// Record stores the cumulative counters a device reported for day. An empty
// day means today (UTC). Storage failures are logged and swallowed since
// telemetry is redelivered upstream.
func (t *Tracker) Record(ctx context.Context, deviceID string, bytesSent, bytesReceived int64, day string) {
	logger := logging.WithDeviceID(logging.FromContext(ctx, t.logger), deviceID)

	now := t.clock.Now()
	if day == "" {
		day = timeparser.FormatDay(now)
	}

	saved, err := t.store.UpsertDaily(ctx, deviceID, day, bytesSent, bytesReceived, now)
	if err != nil {
		logger.Error("failed to save mobile traffic",
			zap.String("day", day),
			zap.Int64("bytes_sent", bytesSent),
			zap.Int64("bytes_received", bytesReceived),
			zap.Error(err),
		)
		return
	}

	logger.Debug("mobile traffic saved",
		zap.String("day", saved.CreatedDate),
		zap.Int64("bytes_sent", saved.BytesSent),
		zap.Int64("bytes_received", saved.BytesReceived),
	)
}

// ActualSince returns the traffic used from boundary on, nil when the device
// never reported traffic. A cumulative counter lower than the one before the
// boundary means the device counter restarted, so the latest value is used
// as is for that axis.
func (t *Tracker) ActualSince(ctx context.Context, deviceID string, boundary time.Time) (*Usage, error) {
	logger := logging.WithDeviceID(logging.FromContext(ctx, t.logger), deviceID)

	latest, err := t.store.Latest(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest mobile traffic: %w", err)
	}
	if latest == nil {
		logger.Warn("mobile traffic not found")
		return nil, nil
	}

	if latest.CreatedDate < timeparser.FormatDay(boundary) {
		logger.Debug("latest mobile traffic predates the billing boundary",
			zap.String("created_date", latest.CreatedDate),
			zap.Time("boundary", boundary),
		)
		return &Usage{}, nil
	}

	floor, err := t.store.LatestBefore(ctx, deviceID, boundary)
	if err != nil {
		return nil, fmt.Errorf("failed to get mobile traffic before %s: %w", boundary.Format(time.RFC3339), err)
	}

	usage := &Usage{
		BytesSent:     latest.BytesSent,
		BytesReceived: latest.BytesReceived,
	}
	if floor != nil {
		// equal values are subtracted too: the first reading after the boundary
		// reports zero usage
		if floor.BytesSent <= latest.BytesSent {
			usage.BytesSent -= floor.BytesSent
		}
		if floor.BytesReceived <= latest.BytesReceived {
			usage.BytesReceived -= floor.BytesReceived
		}
	}

	logger.Debug("mobile traffic since billing boundary",
		zap.Time("boundary", boundary),
		zap.Int64("bytes_sent", usage.BytesSent),
		zap.Int64("bytes_received", usage.BytesReceived),
	)
	return usage, nil
}

// History returns every traffic row of the device, oldest first.
func (t *Tracker) History(ctx context.Context, deviceID string) ([]Snapshot, error) {
	history, err := t.store.History(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get mobile traffic history: %w", err)
	}
	if len(history) == 0 {
		logging.WithDeviceID(logging.FromContext(ctx, t.logger), deviceID).Debug("mobile traffic history not found")
		return []Snapshot{}, nil
	}
	return history, nil
}

// Recent returns up to limit of the latest traffic rows, oldest first.
func (t *Tracker) Recent(ctx context.Context, deviceID string, limit int) ([]Snapshot, error) {
	recent, err := t.store.Recent(ctx, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent mobile traffic: %w", err)
	}
	return recent, nil
}
