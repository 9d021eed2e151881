package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/septivank/device-usage-worker/internal/billing"
	"github.com/septivank/device-usage-worker/internal/clock"
	"github.com/septivank/device-usage-worker/internal/logging"
	"github.com/septivank/device-usage-worker/internal/traffic"
	"go.uber.org/zap"
)

// Options tunes the usage service
type Options struct {
	Defaults Defaults
	// StrictAppend makes every mutation conditional on the snapshot it was
	// computed from still being the latest one.
	StrictAppend bool
	// AppendRetries is how many times a conflicting strict mutation is
	// recomputed before ErrConcurrentUpdate is returned.
	AppendRetries int
	// UniquenessThreshold is the merge ratio under which a history report is
	// logged as suspicious.
	UniquenessThreshold float64
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		Defaults:            DefaultCounters(),
		AppendRetries:       3,
		UniquenessThreshold: 0.95,
	}
}

// ServiceParams holds the collaborators of the usage service
type ServiceParams struct {
	Store      CounterStore
	Traffic    TrafficReader
	Profiles   ProfileProvider
	Classifier ProcessClassifier
	Notifier   Notifier
	Recorder   Recorder
	Clock      clock.Clock
	Options    Options
	Logger     *zap.Logger
}

// Service owns the counter lifecycle: actual views, mutations, quota
// consumption and the merged history report.
type Service struct {
	engine     *Engine
	store      CounterStore
	traffic    TrafficReader
	profiles   ProfileProvider
	classifier ProcessClassifier
	notifier   Notifier
	recorder   Recorder
	clock      clock.Clock
	opts       Options
	logger     *zap.Logger
}

// NewService creates a new usage service
func NewService(p ServiceParams) *Service {
	if p.Clock == nil {
		p.Clock = clock.Real{}
	}
	if p.Recorder == nil {
		p.Recorder = nopRecorder{}
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Options.UniquenessThreshold == 0 {
		p.Options.UniquenessThreshold = DefaultOptions().UniquenessThreshold
	}

	return &Service{
		engine:     NewEngine(p.Store, p.Profiles, p.Clock, p.Options.Defaults, p.Recorder, p.Logger),
		store:      p.Store,
		traffic:    p.Traffic,
		profiles:   p.Profiles,
		classifier: p.Classifier,
		notifier:   p.Notifier,
		recorder:   p.Recorder,
		clock:      p.Clock,
		opts:       p.Options,
		logger:     p.Logger,
	}
}

// Actual returns the device's current counters, see Engine.Actual
func (s *Service) Actual(ctx context.Context, deviceID string, billingDay int) (Snapshot, error) {
	return s.engine.Actual(ctx, deviceID, billingDay)
}

// FullUsage is the actual counter snapshot together with the mobile traffic
// used since the start of its billing window. Traffic is nil when the device
// never reported any.
type FullUsage struct {
	Snapshot
	BytesSent     *int64 `json:"bytes_sent"`
	BytesReceived *int64 `json:"bytes_received"`
}

// FullActual returns actual counters merged with the mobile traffic counted
// from the later of the cycle start and the last billing-day reset.
func (s *Service) FullActual(ctx context.Context, deviceID string, billingDay int) (FullUsage, error) {
	logger := logging.WithDeviceID(logging.FromContext(ctx, s.logger), deviceID)

	actual, err := s.engine.Actual(ctx, deviceID, billingDay)
	if err != nil {
		return FullUsage{}, err
	}

	boundary := billing.LastCycleStart(actual.BillingDay, s.clock.Now())
	if actual.ResetRequestedAt != nil && actual.ResetRequestedAt.After(boundary) {
		boundary = *actual.ResetRequestedAt
	}

	full := FullUsage{Snapshot: actual}
	if s.traffic != nil {
		mobile, err := s.traffic.ActualSince(ctx, deviceID, boundary)
		if err != nil {
			logger.Error("failed to get mobile traffic for full usage", zap.Error(err))
			return FullUsage{}, fmt.Errorf("%w: mobile traffic of %s: %w", ErrInfrastructureUnavailable, deviceID, err)
		}
		if mobile != nil {
			full.BytesSent = intPtr(mobile.BytesSent)
			full.BytesReceived = intPtr(mobile.BytesReceived)
		}
	}

	logger.Debug("full usage computed",
		zap.Time("traffic_boundary", boundary),
		zap.Int64("monthly_event_count", full.MonthlyEventCount),
	)
	return full, nil
}

// Increase applies deltas to the actual counters and appends the result as a
// new snapshot. billingDay of 0 keeps the stored billing day. When actual is
// given it is used instead of reading the store.
func (s *Service) Increase(ctx context.Context, deviceID string, deltas Deltas, billingDay int, actual *Snapshot) (Snapshot, error) {
	logger := logging.WithDeviceID(logging.FromContext(ctx, s.logger), deviceID)

	if deltas.IsZero() {
		return Snapshot{}, fmt.Errorf("%w: nothing to update", ErrInvalidRequest)
	}

	logger.Info("increasing counters",
		zap.Int64("daily_event_count_delta", deltas.DailyEventCount),
		zap.Int64("monthly_event_count_delta", deltas.MonthlyEventCount),
		zap.Int64("monthly_live_seconds_delta", deltas.MonthlyLiveSeconds),
		zap.Int64("monthly_record_seconds_delta", deltas.MonthlyRecordSeconds),
		zap.Int64("monthly_live_bytes_delta", deltas.MonthlyLiveBytes),
		zap.Int64("monthly_record_bytes_delta", deltas.MonthlyRecordBytes),
		zap.Int64("monthly_event_bytes_delta", deltas.MonthlyEventBytes),
		zap.Int64("monthly_upload_bytes_delta", deltas.MonthlyUploadBytes),
		zap.Int("billing_day", billingDay),
	)

	attempts := 1
	if s.opts.StrictAppend {
		attempts += s.opts.AppendRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		var base Snapshot
		if actual != nil && attempt == 0 {
			base = actual.Clone()
		} else {
			current, err := s.engine.Actual(ctx, deviceID, billingDay)
			if err != nil {
				return Snapshot{}, err
			}
			base = current
		}

		next, err := s.apply(base, deltas)
		if err != nil {
			return Snapshot{}, err
		}

		err = s.append(ctx, next, base.ID)
		if err == nil {
			logger.Info("counters increased",
				zap.String("snapshot_id", next.ID.String()),
				zap.Int64("daily_event_count", next.DailyEventCount),
				zap.Int64("monthly_event_count", next.MonthlyEventCount),
			)
			s.notifyUpdated(ctx, logger, next)
			return next, nil
		}

		if !errors.Is(err, ErrConcurrentUpdate) {
			logger.Error("failed to append counter snapshot", zap.Error(err))
			return Snapshot{}, fmt.Errorf("%w: failed to save counters of %s: %w", ErrInfrastructureUnavailable, deviceID, err)
		}

		lastErr = err
		logger.Warn("counter snapshot changed concurrently, recomputing",
			zap.Int("attempt", attempt+1),
			zap.String("previous_id", base.ID.String()),
		)
	}

	return Snapshot{}, fmt.Errorf("counters of %s: %w", deviceID, lastErr)
}

func (s *Service) apply(base Snapshot, d Deltas) (Snapshot, error) {
	now := s.clock.Now()
	next := base.Clone()
	next.ID = uuid.New()
	next.UpdatedAt = now

	next.DailyEventCount += d.DailyEventCount
	next.MonthlyEventCount += d.MonthlyEventCount
	next.MonthlyLiveSeconds += d.MonthlyLiveSeconds
	next.MonthlyRecordSeconds += d.MonthlyRecordSeconds
	next.MonthlyLiveBytes = intPtr(valueOf(base.MonthlyLiveBytes) + d.MonthlyLiveBytes)
	next.MonthlyRecordBytes = intPtr(valueOf(base.MonthlyRecordBytes) + d.MonthlyRecordBytes)
	next.MonthlyEventBytes = intPtr(valueOf(base.MonthlyEventBytes) + d.MonthlyEventBytes)
	next.MonthlyUploadBytes = intPtr(valueOf(base.MonthlyUploadBytes) + d.MonthlyUploadBytes)

	if d.touchesEvents() {
		next.LastEventCounterUpdate = now
	}

	if name := next.negativeCounter(); name != "" {
		return Snapshot{}, fmt.Errorf("%w: deltas would make %s of %s negative", ErrInvalidRequest, name, base.DeviceID)
	}

	return next, nil
}

func (s *Service) append(ctx context.Context, snapshot Snapshot, previousID uuid.UUID) error {
	if s.opts.StrictAppend {
		return s.store.AppendIfLatest(ctx, snapshot, previousID)
	}
	return s.store.Append(ctx, snapshot)
}

func (s *Service) notifyUpdated(ctx context.Context, logger *zap.Logger, snapshot Snapshot) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.CountersUpdated(ctx, snapshot); err != nil {
		logger.Error("failed to publish counters update", zap.Error(err))
	}
}

// Create appends a caller-provided snapshot as is.
func (s *Service) Create(ctx context.Context, snapshot Snapshot) (Snapshot, error) {
	if snapshot.DeviceID == "" {
		return Snapshot{}, fmt.Errorf("%w: device id is required", ErrInvalidRequest)
	}
	if !billing.ValidDay(snapshot.BillingDay) {
		return Snapshot{}, fmt.Errorf("%w: billing day %d is out of range", ErrInvalidRequest, snapshot.BillingDay)
	}
	if name := snapshot.negativeCounter(); name != "" {
		return Snapshot{}, fmt.Errorf("%w: %s must not be negative", ErrInvalidRequest, name)
	}

	now := s.clock.Now()
	snapshot = snapshot.Clone()
	snapshot.ID = uuid.New()
	snapshot.UpdatedAt = now
	if snapshot.LastEventCounterUpdate.IsZero() {
		snapshot.LastEventCounterUpdate = now
	}

	if err := s.store.Append(ctx, snapshot); err != nil {
		logging.FromContext(ctx, s.logger).Error("failed to create counter snapshot",
			zap.String("device_id", snapshot.DeviceID),
			zap.Error(err),
		)
		return Snapshot{}, fmt.Errorf("%w: failed to create counters of %s: %w", ErrInfrastructureUnavailable, snapshot.DeviceID, err)
	}
	return snapshot, nil
}

// LatestStored returns the raw latest snapshot without applying reset rules.
func (s *Service) LatestStored(ctx context.Context, deviceID string) (Snapshot, error) {
	stored, err := s.store.Latest(ctx, deviceID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: failed to get latest counters of %s: %w", ErrInfrastructureUnavailable, deviceID, err)
	}
	if stored == nil {
		return Snapshot{}, fmt.Errorf("%w: counters of %s", ErrResourceNotFound, deviceID)
	}
	return *stored, nil
}

// CreateDefault appends a default snapshot for the device, starting its
// counters from scratch. Used after a factory reset.
func (s *Service) CreateDefault(ctx context.Context, deviceID string) (Snapshot, error) {
	logger := logging.WithDeviceID(logging.FromContext(ctx, s.logger), deviceID)

	snapshot, err := s.engine.Default(ctx, deviceID, 0)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot.ID = uuid.New()

	if err := s.store.Append(ctx, snapshot); err != nil {
		logger.Error("failed to create default counter snapshot", zap.Error(err))
		return Snapshot{}, fmt.Errorf("%w: failed to create default counters of %s: %w", ErrInfrastructureUnavailable, deviceID, err)
	}

	logger.Info("default counter snapshot created", zap.Int("billing_day", snapshot.BillingDay))
	return snapshot, nil
}

// Remove deletes the full history of a device. It never fails: a missing
// history or a store failure reports zero removed rows.
func (s *Service) Remove(ctx context.Context, deviceID string) int64 {
	return s.RemoveMany(ctx, []string{deviceID})
}

// RemoveMany deletes the full history of every listed device, best effort.
func (s *Service) RemoveMany(ctx context.Context, deviceIDs []string) int64 {
	logger := logging.FromContext(ctx, s.logger).With(zap.Strings("device_ids", deviceIDs))
	if len(deviceIDs) == 0 {
		logger.Info("no devices given, nothing to remove")
		return 0
	}

	deleted, err := s.store.DeleteAll(ctx, deviceIDs...)
	if err != nil {
		logger.Error("failed to remove counter history", zap.Error(err))
		return 0
	}
	if deleted == 0 {
		logger.Info("counter history not found, nothing to remove")
		return 0
	}

	logger.Info("counter history removed", zap.Int64("deleted_count", deleted))
	return deleted
}

// SaveUploadedBytes books bytes a device uploaded. Uploads belonging to a
// snapshot process are not counted, video-event uploads go to the event
// bytes and everything else to the recording bytes.
func (s *Service) SaveUploadedBytes(ctx context.Context, deviceID string, uploadedBytes int64, correlationID string) error {
	logger := logging.WithDeviceID(logging.FromContext(ctx, s.logger), deviceID).
		With(zap.String("correlation_id", correlationID))

	if uploadedBytes <= 0 {
		logger.Warn("cannot save an empty value of uploaded bytes", zap.Int64("uploaded_bytes", uploadedBytes))
		return nil
	}

	var deltas Deltas
	switch kind, err := s.classifyUpload(ctx, correlationID); {
	case err != nil:
		logger.Error("failed to classify upload", zap.Error(err))
		return fmt.Errorf("%w: classify upload %s: %w", ErrInfrastructureUnavailable, correlationID, err)
	case kind == uploadSnapshot:
		logger.Info("upload belongs to a snapshot process, not counted")
		return nil
	case kind == uploadVideoEvent:
		deltas.MonthlyEventBytes = uploadedBytes
	default:
		deltas.MonthlyRecordBytes = uploadedBytes
	}

	if _, err := s.Increase(ctx, deviceID, deltas, 0, nil); err != nil {
		return err
	}

	logger.Info("uploaded bytes saved",
		zap.Int64("uploaded_bytes", uploadedBytes),
		zap.Int64("monthly_event_bytes_delta", deltas.MonthlyEventBytes),
		zap.Int64("monthly_record_bytes_delta", deltas.MonthlyRecordBytes),
	)
	return nil
}

type uploadKind int

const (
	uploadRecording uploadKind = iota
	uploadSnapshot
	uploadVideoEvent
)

func (s *Service) classifyUpload(ctx context.Context, correlationID string) (uploadKind, error) {
	if s.classifier == nil || correlationID == "" {
		return uploadRecording, nil
	}

	snapshot, err := s.classifier.IsSnapshotInFlight(ctx, correlationID)
	if err != nil {
		return uploadRecording, err
	}
	if snapshot {
		return uploadSnapshot, nil
	}

	video, err := s.classifier.IsVideoInFlight(ctx, correlationID)
	if err != nil {
		return uploadRecording, err
	}
	if video {
		return uploadVideoEvent, nil
	}
	return uploadRecording, nil
}

// trafficHistory returns the traffic rows of a device, none when no traffic
// reader is configured.
func (s *Service) trafficHistory(ctx context.Context, deviceID string) ([]traffic.Snapshot, error) {
	if s.traffic == nil {
		return nil, nil
	}
	return s.traffic.History(ctx, deviceID)
}
