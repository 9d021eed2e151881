package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/device-usage-worker/internal/billing"
	"github.com/septivank/device-usage-worker/internal/clock"
	"github.com/septivank/device-usage-worker/internal/logging"
	"go.uber.org/zap"
)

// Resets describes which reset rules fired while projecting a snapshot.
type Resets struct {
	Daily             bool
	Monthly           bool
	BillingDayChanged bool
}

// Any reports whether at least one rule fired.
func (r Resets) Any() bool {
	return r.Daily || r.Monthly || r.BillingDayChanged
}

// Project computes the actual counters of a stored snapshot at instant now.
// requestedBillingDay of 0 keeps the stored billing day. The result keeps the
// stored row's ID so a conditional append can detect interleaved writes.
func Project(stored Snapshot, requestedBillingDay int, now time.Time, defaults Defaults) (Snapshot, Resets) {
	actual := stored.Clone()
	var resets Resets

	midnight := billing.LastMidnight(now)
	if actual.LastEventCounterUpdate.Before(midnight) && midnight.Before(now) {
		defaults.resetDaily(&actual)
		resets.Daily = true
	}

	if requestedBillingDay != 0 && requestedBillingDay != stored.BillingDay {
		defaults.resetMonthly(&actual)
		actual.BillingDay = requestedBillingDay
		resetAt := now
		actual.ResetRequestedAt = &resetAt
		resets.BillingDayChanged = true
		return actual, resets
	}

	cycleStart := billing.LastCycleStart(actual.BillingDay, now)
	if !actual.UpdatedAt.After(cycleStart) {
		defaults.resetMonthly(&actual)
		resets.Monthly = true
	}

	return actual, resets
}

// Engine produces actual counters from the latest stored snapshot without
// writing anything back.
type Engine struct {
	store    CounterStore
	profiles ProfileProvider
	clock    clock.Clock
	defaults Defaults
	recorder Recorder
	logger   *zap.Logger
}

// NewEngine creates a freshness engine
func NewEngine(store CounterStore, profiles ProfileProvider, clk clock.Clock, defaults Defaults, recorder Recorder, logger *zap.Logger) *Engine {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Engine{
		store:    store,
		profiles: profiles,
		clock:    clk,
		defaults: defaults,
		recorder: recorder,
		logger:   logger,
	}
}

// Actual returns the device's current counters after reset rules. A device
// without history gets a synthesized default snapshot.
func (e *Engine) Actual(ctx context.Context, deviceID string, billingDay int) (Snapshot, error) {
	logger := logging.WithDeviceID(logging.FromContext(ctx, e.logger), deviceID)

	if billingDay != 0 && !billing.ValidDay(billingDay) {
		return Snapshot{}, fmt.Errorf("%w: billing day %d is out of range", ErrInvalidRequest, billingDay)
	}

	stored, err := e.store.Latest(ctx, deviceID)
	if err != nil {
		logger.Error("failed to get latest counter snapshot", zap.Error(err))
		return Snapshot{}, fmt.Errorf("%w: failed to get latest counters for %s: %w", ErrInfrastructureUnavailable, deviceID, err)
	}

	if stored == nil {
		snapshot, err := e.Default(ctx, deviceID, billingDay)
		if err != nil {
			return Snapshot{}, err
		}
		logger.Info("counter snapshot not found, using a default one",
			zap.Int("billing_day", snapshot.BillingDay),
		)
		return snapshot, nil
	}

	now := e.clock.Now()
	actual, resets := Project(*stored, billingDay, now, e.defaults)
	if resets.Any() {
		logger.Info("counters reset on read",
			zap.Bool("daily", resets.Daily),
			zap.Bool("monthly", resets.Monthly),
			zap.Bool("billing_day_changed", resets.BillingDayChanged),
			zap.Int("stored_billing_day", stored.BillingDay),
			zap.Int("billing_day", actual.BillingDay),
			zap.Time("updated_at", stored.UpdatedAt),
			zap.Time("last_event_counter_update", stored.LastEventCounterUpdate),
		)
		if resets.Daily {
			e.recorder.CounterReset("daily")
		}
		if resets.Monthly {
			e.recorder.CounterReset("monthly")
		}
		if resets.BillingDayChanged {
			e.recorder.CounterReset("billing_day_changed")
			e.invalidateProfile(ctx, logger, deviceID)
		}
	}

	return actual, nil
}

// invalidateProfile drops a cached limitation profile that still carries the
// previous billing day.
func (e *Engine) invalidateProfile(ctx context.Context, logger *zap.Logger, deviceID string) {
	invalidator, ok := e.profiles.(ProfileInvalidator)
	if !ok {
		return
	}
	if err := invalidator.Invalidate(ctx, deviceID); err != nil {
		logger.Warn("failed to invalidate cached limitation profile", zap.Error(err))
	}
}

// Default synthesizes the initial snapshot of a device. When billingDay is 0
// it is taken from the device's limitation profile.
func (e *Engine) Default(ctx context.Context, deviceID string, billingDay int) (Snapshot, error) {
	if billingDay == 0 {
		if e.profiles == nil {
			return Snapshot{}, fmt.Errorf("%w: no profile provider for %s", ErrDeviceNotRecognized, deviceID)
		}
		profile, err := e.profiles.GetLimitation(ctx, deviceID)
		if err != nil {
			logging.FromContext(ctx, e.logger).Error("failed to resolve billing day from limitation profile",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
			return Snapshot{}, fmt.Errorf("%w: %s: %w", ErrDeviceNotRecognized, deviceID, err)
		}
		billingDay = profile.BillingDayOfMonth
	}

	if !billing.ValidDay(billingDay) {
		return Snapshot{}, fmt.Errorf("%w: billing day %d of %s is out of range", ErrDeviceNotRecognized, billingDay, deviceID)
	}

	return e.defaults.snapshot(deviceID, billingDay, e.clock.Now()), nil
}
