package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/device-usage-worker/internal/logging"
	"github.com/septivank/device-usage-worker/internal/traffic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HistoryRecord is one point of the merged usage report. Traffic fields stay
// nil until the first traffic reading, counter fields are zero until the first
// counter snapshot.
type HistoryRecord struct {
	BytesReceived        *int64    `json:"bytes_received"`
	BytesSent            *int64    `json:"bytes_sent"`
	DailyEventCount      int64     `json:"daily_event_count"`
	MonthlyEventCount    int64     `json:"monthly_event_count"`
	MonthlyEventBytes    int64     `json:"monthly_event_bytes"`
	MonthlyLiveSeconds   int64     `json:"monthly_live_seconds"`
	MonthlyLiveBytes     int64     `json:"monthly_live_bytes"`
	MonthlyRecordSeconds int64     `json:"monthly_record_seconds"`
	MonthlyRecordBytes   int64     `json:"monthly_record_bytes"`
	MonthlyUploadBytes   int64     `json:"monthly_upload_bytes"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (r *HistoryRecord) takeCounters(s Snapshot) {
	r.DailyEventCount = s.DailyEventCount
	r.MonthlyEventCount = s.MonthlyEventCount
	r.MonthlyEventBytes = valueOf(s.MonthlyEventBytes)
	r.MonthlyLiveSeconds = s.MonthlyLiveSeconds
	r.MonthlyLiveBytes = valueOf(s.MonthlyLiveBytes)
	r.MonthlyRecordSeconds = s.MonthlyRecordSeconds
	r.MonthlyRecordBytes = valueOf(s.MonthlyRecordBytes)
	r.MonthlyUploadBytes = valueOf(s.MonthlyUploadBytes)
	r.UpdatedAt = s.UpdatedAt
}

func (r *HistoryRecord) takeTraffic(t traffic.Snapshot) {
	r.BytesReceived = intPtr(t.BytesReceived)
	r.BytesSent = intPtr(t.BytesSent)
	r.UpdatedAt = t.UpdatedAt
}

// MergeResult is the merged history plus how many input rows collapsed into
// shared timestamps.
type MergeResult struct {
	Records []HistoryRecord
	// Uniqueness is len(Records) divided by the number of input rows.
	Uniqueness float64
	// LowUniqueness is set when Uniqueness is below the threshold, meaning the
	// two streams carry suspiciously similar timestamps.
	LowUniqueness bool
}

// MergeHistory merges counter snapshots and traffic rows, both ordered by
// UpdatedAt, into one chronological series. Every record carries the latest
// known values of both streams. Rows of the two streams sharing the exact
// same UpdatedAt produce a single record.
func MergeHistory(counters []Snapshot, mobile []traffic.Snapshot, threshold float64) MergeResult {
	records := make([]HistoryRecord, 0, len(counters)+len(mobile))
	var item HistoryRecord

	i, j := 0, 0
	for i < len(counters) || j < len(mobile) {
		switch {
		case j >= len(mobile) || (i < len(counters) && counters[i].UpdatedAt.Before(mobile[j].UpdatedAt)):
			item.takeCounters(counters[i])
			i++
		case i >= len(counters) || mobile[j].UpdatedAt.Before(counters[i].UpdatedAt):
			item.takeTraffic(mobile[j])
			j++
		default:
			item.takeCounters(counters[i])
			item.takeTraffic(mobile[j])
			i++
			j++
		}
		records = append(records, copyRecord(item))
	}

	total := len(counters) + len(mobile)
	uniqueness := float64(len(records)) / float64(max(total, 1))

	return MergeResult{
		Records:    records,
		Uniqueness: uniqueness,
		// nothing to merge is not suspicious
		LowUniqueness: total > 0 && uniqueness < threshold,
	}
}

func copyRecord(r HistoryRecord) HistoryRecord {
	c := r
	c.BytesReceived = copyInt(r.BytesReceived)
	c.BytesSent = copyInt(r.BytesSent)
	return c
}

// History returns the merged counter and mobile traffic report of a device.
func (s *Service) History(ctx context.Context, deviceID string) ([]HistoryRecord, error) {
	logger := logging.WithDeviceID(logging.FromContext(ctx, s.logger), deviceID)

	var (
		counters []Snapshot
		mobile   []traffic.Snapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		counters, err = s.store.History(gctx, deviceID)
		return err
	})
	g.Go(func() error {
		var err error
		mobile, err = s.trafficHistory(gctx, deviceID)
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Error("failed to load usage history", zap.Error(err))
		return nil, fmt.Errorf("%w: usage history of %s: %w", ErrInfrastructureUnavailable, deviceID, err)
	}

	result := MergeHistory(counters, mobile, s.opts.UniquenessThreshold)
	s.recorder.MergeUniqueness(result.Uniqueness, result.LowUniqueness)

	fields := []zap.Field{
		zap.Int("counters_length", len(counters)),
		zap.Int("mobile_traffic_length", len(mobile)),
		zap.Int("history_length", len(result.Records)),
		zap.Float64("uniqueness", result.Uniqueness),
	}
	if result.LowUniqueness {
		logger.Warn("usage history merged with low uniqueness, counter and mobile traffic timestamps are very similar", fields...)
	} else {
		logger.Info("usage history merged", fields...)
	}

	return result.Records, nil
}
