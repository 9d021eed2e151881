package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/device-usage-worker/internal/traffic"
)

// CounterStore persists counter snapshots. Rows are only ever appended.
type CounterStore interface {
	Append(ctx context.Context, snapshot Snapshot) error
	// AppendIfLatest appends snapshot only when previousID is still the id of
	// the device's latest row (uuid.Nil meaning the device has no rows). It
	// returns ErrConcurrentUpdate otherwise.
	AppendIfLatest(ctx context.Context, snapshot Snapshot, previousID uuid.UUID) error
	// Latest returns the most recent snapshot, or nil when the device has none.
	Latest(ctx context.Context, deviceID string) (*Snapshot, error)
	// History returns every snapshot of the device ordered by UpdatedAt.
	History(ctx context.Context, deviceID string) ([]Snapshot, error)
	DeleteAll(ctx context.Context, deviceIDs ...string) (int64, error)
}

// ProfileProvider resolves a device's limitation profile.
type ProfileProvider interface {
	GetLimitation(ctx context.Context, deviceID string) (LimitationProfile, error)
}

// ProfileInvalidator is implemented by profile providers that keep copies of
// profiles. Invalidate drops the copy held for the device.
type ProfileInvalidator interface {
	Invalidate(ctx context.Context, deviceID string) error
}

// ProcessClassifier tells which kind of upload a correlation id belongs to.
type ProcessClassifier interface {
	IsSnapshotInFlight(ctx context.Context, correlationID string) (bool, error)
	IsVideoInFlight(ctx context.Context, correlationID string) (bool, error)
}

// TrafficReader exposes the mobile-traffic views the usage service merges in.
type TrafficReader interface {
	ActualSince(ctx context.Context, deviceID string, boundary time.Time) (*traffic.Usage, error)
	History(ctx context.Context, deviceID string) ([]traffic.Snapshot, error)
}

// Notifier receives usage events after they happened. Failures are logged by
// the caller and never undo the operation.
type Notifier interface {
	CountersUpdated(ctx context.Context, snapshot Snapshot) error
	QuotaReached(ctx context.Context, deviceID string, profile LimitationProfile) error
}

// Recorder collects operational metrics.
type Recorder interface {
	CounterReset(kind string)
	QuotaDecision(result string)
	MergeUniqueness(ratio float64, low bool)
}

type nopRecorder struct{}

func (nopRecorder) CounterReset(string)           {}
func (nopRecorder) QuotaDecision(string)          {}
func (nopRecorder) MergeUniqueness(float64, bool) {}
