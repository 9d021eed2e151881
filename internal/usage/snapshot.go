package usage

import (
	"time"

	"github.com/google/uuid"
)

// Unlimited is the cap value meaning an axis never blocks.
const Unlimited int64 = -1

// Snapshot is one immutable row of a device's counters. The row with the
// latest UpdatedAt is the device's current state.
type Snapshot struct {
	ID                     uuid.UUID  `json:"id"`
	DeviceID               string     `json:"device_id"`
	BillingDay             int        `json:"billing_day"`
	DailyEventCount        int64      `json:"daily_event_count"`
	MonthlyEventCount      int64      `json:"monthly_event_count"`
	MonthlyLiveSeconds     int64      `json:"monthly_live_seconds"`
	MonthlyRecordSeconds   int64      `json:"monthly_record_seconds"`
	MonthlyLiveBytes       *int64     `json:"monthly_live_bytes,omitempty"`
	MonthlyRecordBytes     *int64     `json:"monthly_record_bytes,omitempty"`
	MonthlyEventBytes      *int64     `json:"monthly_event_bytes,omitempty"`
	MonthlyUploadBytes     *int64     `json:"monthly_upload_bytes,omitempty"`
	LastEventCounterUpdate time.Time  `json:"last_event_counter_update"`
	UpdatedAt              time.Time  `json:"updated_at"`
	ResetRequestedAt       *time.Time `json:"reset_requested_at,omitempty"`
}

// Clone returns a copy that shares no pointers with s.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.MonthlyLiveBytes = copyInt(s.MonthlyLiveBytes)
	c.MonthlyRecordBytes = copyInt(s.MonthlyRecordBytes)
	c.MonthlyEventBytes = copyInt(s.MonthlyEventBytes)
	c.MonthlyUploadBytes = copyInt(s.MonthlyUploadBytes)
	if s.ResetRequestedAt != nil {
		t := *s.ResetRequestedAt
		c.ResetRequestedAt = &t
	}
	return c
}

// negativeCounter returns the JSON name of the first negative counter of s,
// empty when every counter is zero or above. Absent byte counters count as
// zero.
func (s Snapshot) negativeCounter() string {
	counters := []struct {
		name  string
		value int64
	}{
		{"daily_event_count", s.DailyEventCount},
		{"monthly_event_count", s.MonthlyEventCount},
		{"monthly_live_seconds", s.MonthlyLiveSeconds},
		{"monthly_record_seconds", s.MonthlyRecordSeconds},
		{"monthly_live_bytes", valueOf(s.MonthlyLiveBytes)},
		{"monthly_record_bytes", valueOf(s.MonthlyRecordBytes)},
		{"monthly_event_bytes", valueOf(s.MonthlyEventBytes)},
		{"monthly_upload_bytes", valueOf(s.MonthlyUploadBytes)},
	}
	for _, c := range counters {
		if c.value < 0 {
			return c.name
		}
	}
	return ""
}

// Deltas are signed increments applied to a snapshot. Zero means absent.
type Deltas struct {
	DailyEventCount      int64 `json:"daily_event_count,omitempty"`
	MonthlyEventCount    int64 `json:"monthly_event_count,omitempty"`
	MonthlyLiveSeconds   int64 `json:"monthly_live_seconds,omitempty"`
	MonthlyRecordSeconds int64 `json:"monthly_record_seconds,omitempty"`
	MonthlyLiveBytes     int64 `json:"monthly_live_bytes,omitempty"`
	MonthlyRecordBytes   int64 `json:"monthly_record_bytes,omitempty"`
	MonthlyEventBytes    int64 `json:"monthly_event_bytes,omitempty"`
	MonthlyUploadBytes   int64 `json:"monthly_upload_bytes,omitempty"`
}

// IsZero reports whether there is nothing to persist.
func (d Deltas) IsZero() bool {
	return d == Deltas{}
}

func (d Deltas) touchesEvents() bool {
	return d.DailyEventCount != 0 || d.MonthlyEventCount != 0
}

// LimitationProfile is the device's data-profile as owned by the device
// manager. Caps equal to Unlimited never block.
type LimitationProfile struct {
	DeviceID                   string `json:"serial_number"`
	BillingDayOfMonth          int    `json:"billing_day_of_month"`
	DailyEventCap              int64  `json:"video_events_day"`
	MonthlyEventCap            int64  `json:"video_events_month"`
	LiveVideoMinutesMonth      int64  `json:"live_video_minutes_month"`
	RecordingVideoMinutesMonth int64  `json:"recording_video_minutes_month"`
}

// Defaults holds the values counters take when they are reset.
type Defaults struct {
	DailyEventCount      int64
	MonthlyEventCount    int64
	MonthlyLiveSeconds   int64
	MonthlyRecordSeconds int64
	MonthlyBytes         int64
}

// DefaultCounters returns the zero-based counter defaults.
func DefaultCounters() Defaults {
	return Defaults{}
}

func (d Defaults) resetDaily(s *Snapshot) {
	s.DailyEventCount = d.DailyEventCount
}

func (d Defaults) resetMonthly(s *Snapshot) {
	s.MonthlyEventCount = d.MonthlyEventCount
	s.MonthlyLiveSeconds = d.MonthlyLiveSeconds
	s.MonthlyRecordSeconds = d.MonthlyRecordSeconds
	s.MonthlyLiveBytes = intPtr(d.MonthlyBytes)
	s.MonthlyRecordBytes = intPtr(d.MonthlyBytes)
	s.MonthlyEventBytes = intPtr(d.MonthlyBytes)
	s.MonthlyUploadBytes = intPtr(d.MonthlyBytes)
}

// snapshot builds a fresh default row for deviceID.
func (d Defaults) snapshot(deviceID string, billingDay int, now time.Time) Snapshot {
	s := Snapshot{
		DeviceID:               deviceID,
		BillingDay:             billingDay,
		LastEventCounterUpdate: now,
		UpdatedAt:              now,
	}
	d.resetDaily(&s)
	d.resetMonthly(&s)
	return s
}

func intPtr(v int64) *int64 {
	return &v
}

func copyInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	return intPtr(*p)
}

func valueOf(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
