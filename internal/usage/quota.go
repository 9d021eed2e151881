package usage

import (
	"context"
	"fmt"

	"github.com/septivank/device-usage-worker/internal/logging"
	"go.uber.org/zap"
)

// QuotaResult is the outcome of an event quota check.
type QuotaResult int

const (
	// QuotaConsumed means the event fitted the budget and was counted.
	QuotaConsumed QuotaResult = iota
	// QuotaReached means a cap blocks the event and nothing was counted.
	QuotaReached
)

// LimitReached answers "is this request blocked?", the boolean the data-usage
// status endpoint has always returned.
func (r QuotaResult) LimitReached() bool {
	return r != QuotaConsumed
}

func (r QuotaResult) String() string {
	switch r {
	case QuotaConsumed:
		return "consumed"
	case QuotaReached:
		return "reached"
	default:
		return "unknown"
	}
}

// EvaluateQuota decides whether one more event fits the profile caps given
// the current daily and monthly event counts. The daily cap is checked first.
func EvaluateQuota(profile LimitationProfile, daily, monthly int64) (QuotaResult, string) {
	unlimitedDaily := profile.DailyEventCap == Unlimited
	unlimitedMonthly := profile.MonthlyEventCap == Unlimited

	switch {
	case unlimitedDaily && unlimitedMonthly:
		return QuotaConsumed, "there are no limitations for this device"
	case !unlimitedDaily && daily+1 > profile.DailyEventCap:
		return QuotaReached, "daily event limit is reached"
	case !unlimitedMonthly && monthly+1 > profile.MonthlyEventCap:
		return QuotaReached, "monthly event limit is reached"
	case unlimitedMonthly:
		return QuotaConsumed, "daily event limit is verified"
	case unlimitedDaily:
		return QuotaConsumed, "monthly event limit is verified"
	default:
		return QuotaConsumed, "event limits are verified"
	}
}

// TryConsumeEventQuota counts one event against the device's caps. When the
// event fits, daily and monthly event counters are both increased by one in a
// single snapshot. Any failure reports QuotaReached so a broken dependency
// never lets events through unbounded. A nil profile is fetched from the
// profile provider.
func (s *Service) TryConsumeEventQuota(ctx context.Context, deviceID string, profile *LimitationProfile) QuotaResult {
	logger := logging.WithDeviceID(logging.FromContext(ctx, s.logger), deviceID)

	result, err := s.tryConsumeEventQuota(ctx, deviceID, profile, logger)
	if err != nil {
		logger.Error("failed to verify event limits, treating them as reached", zap.Error(err))
		result = QuotaReached
	}

	s.recorder.QuotaDecision(result.String())
	return result
}

func (s *Service) tryConsumeEventQuota(ctx context.Context, deviceID string, profile *LimitationProfile, logger *zap.Logger) (QuotaResult, error) {
	if profile == nil {
		if s.profiles == nil {
			return QuotaReached, fmt.Errorf("%w: no profile provider for %s", ErrDeviceNotRecognized, deviceID)
		}
		fetched, err := s.profiles.GetLimitation(ctx, deviceID)
		if err != nil {
			return QuotaReached, fmt.Errorf("%w: %s: %w", ErrDeviceNotRecognized, deviceID, err)
		}
		profile = &fetched
	}

	actual, err := s.engine.Actual(ctx, deviceID, profile.BillingDayOfMonth)
	if err != nil {
		return QuotaReached, err
	}

	result, message := EvaluateQuota(*profile, actual.DailyEventCount, actual.MonthlyEventCount)
	logger.Info(message,
		zap.Int64("daily_event_cap", profile.DailyEventCap),
		zap.Int64("monthly_event_cap", profile.MonthlyEventCap),
		zap.Int("billing_day", profile.BillingDayOfMonth),
		zap.Int64("daily_event_count", actual.DailyEventCount),
		zap.Int64("monthly_event_count", actual.MonthlyEventCount),
		zap.Stringer("result", result),
	)

	if result == QuotaReached {
		if s.notifier != nil {
			if err := s.notifier.QuotaReached(ctx, deviceID, *profile); err != nil {
				logger.Error("failed to publish quota reached", zap.Error(err))
			}
		}
		return QuotaReached, nil
	}

	deltas := Deltas{DailyEventCount: 1, MonthlyEventCount: 1}
	if _, err := s.Increase(ctx, deviceID, deltas, profile.BillingDayOfMonth, &actual); err != nil {
		return QuotaReached, err
	}
	return QuotaConsumed, nil
}
