package usage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/device-usage-worker/internal/clock"
	"github.com/septivank/device-usage-worker/internal/repository"
	"github.com/septivank/device-usage-worker/internal/traffic"
	"github.com/septivank/device-usage-worker/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const deviceID = "IMEI-000000000000001"

var now = time.Date(2024, time.May, 20, 10, 0, 0, 0, time.UTC)

type fakeProfiles struct {
	profile     usage.LimitationProfile
	err         error
	calls       int
	invalidated []string
}

func (f *fakeProfiles) GetLimitation(_ context.Context, id string) (usage.LimitationProfile, error) {
	f.calls++
	if f.err != nil {
		return usage.LimitationProfile{}, f.err
	}
	p := f.profile
	p.DeviceID = id
	return p, nil
}

func (f *fakeProfiles) Invalidate(_ context.Context, id string) error {
	f.invalidated = append(f.invalidated, id)
	return nil
}

type fakeClassifier struct {
	snapshots map[string]bool
	videos    map[string]bool
	err       error
}

func (f *fakeClassifier) IsSnapshotInFlight(_ context.Context, id string) (bool, error) {
	return f.snapshots[id], f.err
}

func (f *fakeClassifier) IsVideoInFlight(_ context.Context, id string) (bool, error) {
	return f.videos[id], f.err
}

type fakeNotifier struct {
	mu      sync.Mutex
	updated []usage.Snapshot
	reached []string
}

func (f *fakeNotifier) CountersUpdated(_ context.Context, s usage.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, s)
	return nil
}

func (f *fakeNotifier) QuotaReached(_ context.Context, id string, _ usage.LimitationProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reached = append(f.reached, id)
	return nil
}

// racingStore appends a copy of interleave right before each of the next races
// conditional appends, simulating a concurrent writer.
type racingStore struct {
	*repository.MemoryCounterStore
	races      int
	interleave usage.Snapshot
}

func (r *racingStore) AppendIfLatest(ctx context.Context, s usage.Snapshot, previousID uuid.UUID) error {
	if r.races > 0 {
		r.races--
		concurrent := r.interleave.Clone()
		concurrent.ID = uuid.New()
		_ = r.MemoryCounterStore.Append(ctx, concurrent)
	}
	return r.MemoryCounterStore.AppendIfLatest(ctx, s, previousID)
}

type fixture struct {
	svc        *usage.Service
	store      *repository.MemoryCounterStore
	traffic    *traffic.Tracker
	profiles   *fakeProfiles
	classifier *fakeClassifier
	notifier   *fakeNotifier
	clock      *clock.Fake
}

func newFixture(t *testing.T, opts ...func(*usage.ServiceParams)) *fixture {
	t.Helper()

	f := &fixture{
		store: repository.NewMemoryCounterStore(),
		profiles: &fakeProfiles{profile: usage.LimitationProfile{
			BillingDayOfMonth: 15,
			DailyEventCap:     3,
			MonthlyEventCap:   50,
		}},
		classifier: &fakeClassifier{snapshots: map[string]bool{}, videos: map[string]bool{}},
		notifier:   &fakeNotifier{},
		clock:      clock.NewFake(now),
	}
	f.traffic = traffic.NewTracker(repository.NewMemoryTrafficStore(), f.clock, zap.NewNop())

	params := usage.ServiceParams{
		Store:      f.store,
		Traffic:    f.traffic,
		Profiles:   f.profiles,
		Classifier: f.classifier,
		Notifier:   f.notifier,
		Clock:      f.clock,
		Options:    usage.DefaultOptions(),
		Logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&params)
	}
	f.svc = usage.NewService(params)
	return f
}

func (f *fixture) seed(t *testing.T, s usage.Snapshot) usage.Snapshot {
	t.Helper()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.DeviceID == "" {
		s.DeviceID = deviceID
	}
	require.NoError(t, f.store.Append(context.Background(), s))
	return s
}

func (f *fixture) history(t *testing.T) []usage.Snapshot {
	t.Helper()
	h, err := f.store.History(context.Background(), deviceID)
	require.NoError(t, err)
	return h
}

func today(daily, monthly int64) usage.Snapshot {
	return usage.Snapshot{
		BillingDay:             15,
		DailyEventCount:        daily,
		MonthlyEventCount:      monthly,
		LastEventCounterUpdate: now.Add(-time.Hour),
		UpdatedAt:              now.Add(-time.Hour),
	}
}

func TestActual_WithoutHistoryUsesProfileBillingDay(t *testing.T) {
	f := newFixture(t)

	actual, err := f.svc.Actual(context.Background(), deviceID, 0)

	require.NoError(t, err)
	assert.Equal(t, 15, actual.BillingDay)
	assert.Equal(t, uuid.Nil, actual.ID)
	assert.Zero(t, actual.MonthlyEventCount)
	assert.Empty(t, f.history(t), "reads never write")
}

func TestActual_WithoutHistoryAndProfile(t *testing.T) {
	f := newFixture(t)
	f.profiles.err = errors.New("device manager down")

	_, err := f.svc.Actual(context.Background(), deviceID, 0)

	assert.ErrorIs(t, err, usage.ErrDeviceNotRecognized)
}

func TestActual_WithoutHistoryExplicitBillingDaySkipsProfile(t *testing.T) {
	f := newFixture(t)

	actual, err := f.svc.Actual(context.Background(), deviceID, 3)

	require.NoError(t, err)
	assert.Equal(t, 3, actual.BillingDay)
	assert.Zero(t, f.profiles.calls)
}

func TestActual_IsIdempotentOnStaleSnapshot(t *testing.T) {
	f := newFixture(t)
	stale := today(3, 30)
	stale.UpdatedAt = now.AddDate(0, -2, 0)
	stale.LastEventCounterUpdate = stale.UpdatedAt
	f.seed(t, stale)
	before := f.history(t)

	first, err := f.svc.Actual(context.Background(), deviceID, 0)
	require.NoError(t, err)
	second, err := f.svc.Actual(context.Background(), deviceID, 0)
	require.NoError(t, err)

	assert.Zero(t, first.DailyEventCount)
	assert.Zero(t, first.MonthlyEventCount)
	assert.Equal(t, first, second)
	assert.Equal(t, before, f.history(t), "reads never write")
}

func TestActual_BillingDayChangeInvalidatesCachedProfile(t *testing.T) {
	f := newFixture(t)
	f.seed(t, today(1, 10))

	_, err := f.svc.Actual(context.Background(), deviceID, 15)
	require.NoError(t, err)
	assert.Empty(t, f.profiles.invalidated)

	actual, err := f.svc.Actual(context.Background(), deviceID, 20)
	require.NoError(t, err)
	assert.Equal(t, 20, actual.BillingDay)
	assert.Equal(t, []string{deviceID}, f.profiles.invalidated)
}

func TestActual_InvalidBillingDay(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Actual(context.Background(), deviceID, 32)

	assert.ErrorIs(t, err, usage.ErrInvalidRequest)
}

func TestIncrease_AppendsNewSnapshot(t *testing.T) {
	f := newFixture(t)
	stored := f.seed(t, today(1, 10))

	next, err := f.svc.Increase(context.Background(), deviceID, usage.Deltas{
		DailyEventCount:   1,
		MonthlyEventCount: 1,
		MonthlyLiveBytes:  2048,
	}, 0, nil)

	require.NoError(t, err)
	assert.NotEqual(t, stored.ID, next.ID)
	assert.Equal(t, int64(2), next.DailyEventCount)
	assert.Equal(t, int64(11), next.MonthlyEventCount)
	assert.Equal(t, int64(2048), *next.MonthlyLiveBytes)
	assert.Equal(t, now, next.UpdatedAt)
	assert.Equal(t, now, next.LastEventCounterUpdate)

	history := f.history(t)
	require.Len(t, history, 2)
	assert.Equal(t, stored.DailyEventCount, history[0].DailyEventCount, "stored rows are never modified")
	assert.Equal(t, next.ID, history[1].ID)
	require.Len(t, f.notifier.updated, 1)
	assert.Equal(t, next.ID, f.notifier.updated[0].ID)
}

func TestIncrease_ByteOnlyKeepsLastEventUpdate(t *testing.T) {
	f := newFixture(t)
	stored := f.seed(t, today(1, 1))

	next, err := f.svc.Increase(context.Background(), deviceID, usage.Deltas{MonthlyRecordBytes: 10}, 0, nil)

	require.NoError(t, err)
	assert.Equal(t, stored.LastEventCounterUpdate, next.LastEventCounterUpdate)
}

func TestIncrease_AfterMidnightStartsFromResetCounters(t *testing.T) {
	f := newFixture(t)
	yesterday := today(3, 10)
	yesterday.LastEventCounterUpdate = now.Add(-24 * time.Hour)
	yesterday.UpdatedAt = now.Add(-24 * time.Hour)
	f.seed(t, yesterday)

	next, err := f.svc.Increase(context.Background(), deviceID, usage.Deltas{DailyEventCount: 1, MonthlyEventCount: 1}, 0, nil)

	require.NoError(t, err)
	assert.Equal(t, int64(1), next.DailyEventCount)
	assert.Equal(t, int64(11), next.MonthlyEventCount)
}

func TestIncrease_BillingDayChangeResetsMonthly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, today(1, 10))

	next, err := f.svc.Increase(context.Background(), deviceID, usage.Deltas{MonthlyEventCount: 1}, 20, nil)

	require.NoError(t, err)
	assert.Equal(t, 20, next.BillingDay)
	assert.Equal(t, int64(1), next.MonthlyEventCount)
	require.NotNil(t, next.ResetRequestedAt)
	assert.Equal(t, now, *next.ResetRequestedAt)
}

func TestIncrease_UnknownDeviceWithoutBillingDay(t *testing.T) {
	f := newFixture(t)
	f.profiles.err = errors.New("device manager down")

	_, err := f.svc.Increase(context.Background(), deviceID, usage.Deltas{DailyEventCount: 1, MonthlyEventCount: 1}, 0, nil)

	assert.ErrorIs(t, err, usage.ErrDeviceNotRecognized)
	assert.Empty(t, f.history(t))
	assert.Empty(t, f.notifier.updated)
}

func TestIncrease_ZeroDeltas(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Increase(context.Background(), deviceID, usage.Deltas{}, 0, nil)

	assert.ErrorIs(t, err, usage.ErrInvalidRequest)
	assert.Empty(t, f.history(t))
}

func TestIncrease_NegativeResult(t *testing.T) {
	f := newFixture(t)
	f.seed(t, today(1, 1))

	_, err := f.svc.Increase(context.Background(), deviceID, usage.Deltas{MonthlyEventCount: -2}, 0, nil)

	assert.ErrorIs(t, err, usage.ErrInvalidRequest)
	assert.Len(t, f.history(t), 1)
}

func TestIncrease_NegativeDeltaWithinRange(t *testing.T) {
	f := newFixture(t)
	f.seed(t, today(2, 5))

	next, err := f.svc.Increase(context.Background(), deviceID, usage.Deltas{DailyEventCount: -1, MonthlyEventCount: -1}, 0, nil)

	require.NoError(t, err)
	assert.Equal(t, int64(1), next.DailyEventCount)
	assert.Equal(t, int64(4), next.MonthlyEventCount)
}

func TestIncrease_StrictAppendRecomputesOnConflict(t *testing.T) {
	racing := &racingStore{MemoryCounterStore: repository.NewMemoryCounterStore(), races: 1}
	f := newFixture(t, func(p *usage.ServiceParams) {
		p.Store = racing
		p.Options.StrictAppend = true
		p.Options.AppendRetries = 2
	})
	f.store = racing.MemoryCounterStore
	f.seed(t, today(1, 1))

	interleave := today(5, 5)
	interleave.DeviceID = deviceID
	interleave.UpdatedAt = now.Add(-time.Minute)
	racing.interleave = interleave

	next, err := f.svc.Increase(context.Background(), deviceID, usage.Deltas{DailyEventCount: 1}, 0, nil)

	require.NoError(t, err)
	assert.Equal(t, int64(6), next.DailyEventCount, "recomputed from the concurrent snapshot")
	assert.Len(t, f.history(t), 3)
}

func TestIncrease_StrictAppendGivesUp(t *testing.T) {
	racing := &racingStore{MemoryCounterStore: repository.NewMemoryCounterStore(), races: 10}
	f := newFixture(t, func(p *usage.ServiceParams) {
		p.Store = racing
		p.Options.StrictAppend = true
		p.Options.AppendRetries = 2
	})
	f.store = racing.MemoryCounterStore
	f.seed(t, today(1, 1))

	interleave := today(5, 5)
	interleave.DeviceID = deviceID
	racing.interleave = interleave

	_, err := f.svc.Increase(context.Background(), deviceID, usage.Deltas{DailyEventCount: 1}, 0, nil)

	assert.ErrorIs(t, err, usage.ErrConcurrentUpdate)
	assert.Equal(t, 7, racing.races, "one race per attempt")
	assert.Empty(t, f.notifier.updated)
}

func TestTryConsumeEventQuota_Consumed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, today(1, 10))

	result := f.svc.TryConsumeEventQuota(context.Background(), deviceID, nil)

	assert.Equal(t, usage.QuotaConsumed, result)
	assert.False(t, result.LimitReached())
	history := f.history(t)
	require.Len(t, history, 2)
	assert.Equal(t, int64(2), history[1].DailyEventCount)
	assert.Equal(t, int64(11), history[1].MonthlyEventCount)
	assert.Equal(t, 1, f.profiles.calls)
}

func TestTryConsumeEventQuota_GivenProfileIsNotFetched(t *testing.T) {
	f := newFixture(t)
	profile := &usage.LimitationProfile{
		DeviceID:          deviceID,
		BillingDayOfMonth: 15,
		DailyEventCap:     usage.Unlimited,
		MonthlyEventCap:   usage.Unlimited,
	}

	result := f.svc.TryConsumeEventQuota(context.Background(), deviceID, profile)

	assert.Equal(t, usage.QuotaConsumed, result)
	assert.Zero(t, f.profiles.calls)
	assert.Len(t, f.history(t), 1)
}

func TestTryConsumeEventQuota_ReachedDoesNotCount(t *testing.T) {
	f := newFixture(t)
	f.seed(t, today(3, 10))

	result := f.svc.TryConsumeEventQuota(context.Background(), deviceID, nil)

	assert.Equal(t, usage.QuotaReached, result)
	assert.True(t, result.LimitReached())
	assert.Len(t, f.history(t), 1)
	assert.Equal(t, []string{deviceID}, f.notifier.reached)
}

func TestTryConsumeEventQuota_DailyResetFreesQuota(t *testing.T) {
	f := newFixture(t)
	yesterday := today(3, 10)
	yesterday.LastEventCounterUpdate = now.Add(-20 * time.Hour)
	f.seed(t, yesterday)

	result := f.svc.TryConsumeEventQuota(context.Background(), deviceID, nil)

	assert.Equal(t, usage.QuotaConsumed, result)
}

func TestTryConsumeEventQuota_FailsClosed(t *testing.T) {
	f := newFixture(t)
	f.profiles.err = errors.New("device manager down")

	result := f.svc.TryConsumeEventQuota(context.Background(), deviceID, nil)

	assert.Equal(t, usage.QuotaReached, result)
	assert.Empty(t, f.history(t))
	assert.Empty(t, f.notifier.reached)
}

func TestSaveUploadedBytes_Routing(t *testing.T) {
	tests := []struct {
		name          string
		correlationID string
		wantEvent     int64
		wantRecord    int64
		wantRows      int
	}{
		{"snapshot upload is not counted", "snap-1", 0, 0, 1},
		{"video event upload", "video-1", 4096, 0, 2},
		{"recording upload", "other-1", 0, 4096, 2},
		{"no correlation id", "", 0, 4096, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.classifier.snapshots["snap-1"] = true
			f.classifier.videos["video-1"] = true
			f.seed(t, today(0, 0))

			err := f.svc.SaveUploadedBytes(context.Background(), deviceID, 4096, tt.correlationID)

			require.NoError(t, err)
			history := f.history(t)
			require.Len(t, history, tt.wantRows)
			latest := history[len(history)-1]
			if tt.wantRows > 1 {
				assert.Equal(t, tt.wantEvent, *latest.MonthlyEventBytes)
				assert.Equal(t, tt.wantRecord, *latest.MonthlyRecordBytes)
			}
		})
	}
}

func TestSaveUploadedBytes_EmptyValueIgnored(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.SaveUploadedBytes(context.Background(), deviceID, 0, "x"))
	assert.Empty(t, f.history(t))
}

func TestSaveUploadedBytes_ClassifierFailure(t *testing.T) {
	f := newFixture(t)
	f.classifier.err = errors.New("redis down")

	err := f.svc.SaveUploadedBytes(context.Background(), deviceID, 100, "x")

	assert.ErrorIs(t, err, usage.ErrInfrastructureUnavailable)
	assert.Empty(t, f.history(t))
}

func TestCreateDefault_StartsFromScratch(t *testing.T) {
	f := newFixture(t)
	f.seed(t, today(3, 30))

	snapshot, err := f.svc.CreateDefault(context.Background(), deviceID)

	require.NoError(t, err)
	assert.Equal(t, 15, snapshot.BillingDay)
	assert.Zero(t, snapshot.DailyEventCount)
	assert.Zero(t, snapshot.MonthlyEventCount)

	latest, err := f.svc.LatestStored(context.Background(), deviceID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.ID, latest.ID)
}

func TestCreateDefault_UnknownDevice(t *testing.T) {
	f := newFixture(t)
	f.profiles.err = errors.New("not found")

	_, err := f.svc.CreateDefault(context.Background(), deviceID)

	assert.ErrorIs(t, err, usage.ErrDeviceNotRecognized)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), usage.Snapshot{DeviceID: deviceID, BillingDay: 0})
	assert.ErrorIs(t, err, usage.ErrInvalidRequest)

	_, err = f.svc.Create(context.Background(), usage.Snapshot{BillingDay: 5})
	assert.ErrorIs(t, err, usage.ErrInvalidRequest)

	created, err := f.svc.Create(context.Background(), usage.Snapshot{DeviceID: deviceID, BillingDay: 5, MonthlyEventCount: 7})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, now, created.UpdatedAt)
	assert.Equal(t, now, created.LastEventCounterUpdate)
}

func TestCreate_RejectsNegativeCounters(t *testing.T) {
	negative := int64(-1)
	tests := []struct {
		name     string
		snapshot usage.Snapshot
		field    string
	}{
		{"daily events", usage.Snapshot{DailyEventCount: -5, MonthlyEventCount: -7}, "daily_event_count"},
		{"monthly events", usage.Snapshot{MonthlyEventCount: -7}, "monthly_event_count"},
		{"record seconds", usage.Snapshot{MonthlyRecordSeconds: -1}, "monthly_record_seconds"},
		{"upload bytes", usage.Snapshot{MonthlyUploadBytes: &negative}, "monthly_upload_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.snapshot.DeviceID = deviceID
			tt.snapshot.BillingDay = 5

			_, err := f.svc.Create(context.Background(), tt.snapshot)

			assert.ErrorIs(t, err, usage.ErrInvalidRequest)
			assert.ErrorContains(t, err, tt.field)
			assert.Empty(t, f.history(t))
		})
	}
}

func TestCreate_ThenIncrease(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), usage.Snapshot{DeviceID: deviceID, BillingDay: 5, DailyEventCount: 1, MonthlyEventCount: 2})
	require.NoError(t, err)

	next, err := f.svc.Increase(context.Background(), deviceID, usage.Deltas{DailyEventCount: 1, MonthlyEventCount: 1}, 0, nil)

	require.NoError(t, err)
	assert.Equal(t, int64(2), next.DailyEventCount)
	assert.Equal(t, int64(3), next.MonthlyEventCount)
}

func TestLatestStored_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.LatestStored(context.Background(), deviceID)

	assert.ErrorIs(t, err, usage.ErrResourceNotFound)
}

func TestLatestStored_SkipsResetRules(t *testing.T) {
	f := newFixture(t)
	old := today(3, 30)
	old.UpdatedAt = now.AddDate(0, -2, 0)
	old.LastEventCounterUpdate = old.UpdatedAt
	f.seed(t, old)

	latest, err := f.svc.LatestStored(context.Background(), deviceID)

	require.NoError(t, err)
	assert.Equal(t, int64(30), latest.MonthlyEventCount)
}

func TestRemoveMany(t *testing.T) {
	f := newFixture(t)
	f.seed(t, today(1, 1))
	f.seed(t, today(2, 2))
	other := today(1, 1)
	other.DeviceID = "IMEI-2"
	f.seed(t, other)

	assert.Equal(t, int64(3), f.svc.RemoveMany(context.Background(), []string{deviceID, "IMEI-2", "IMEI-3"}))
	assert.Zero(t, f.svc.Remove(context.Background(), deviceID))
	assert.Zero(t, f.svc.RemoveMany(context.Background(), nil))
}

func TestFullActual_IncludesTrafficSinceCycleStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(time.Date(2024, time.May, 10, 12, 0, 0, 0, time.UTC))
	f.traffic.Record(ctx, deviceID, 100, 200, "")
	f.clock.Set(now)
	f.traffic.Record(ctx, deviceID, 150, 260, "")

	full, err := f.svc.FullActual(ctx, deviceID, 0)

	require.NoError(t, err)
	assert.Equal(t, 15, full.BillingDay)
	require.NotNil(t, full.BytesSent)
	assert.Equal(t, int64(50), *full.BytesSent)
	assert.Equal(t, int64(60), *full.BytesReceived)
}

func TestFullActual_WithoutTraffic(t *testing.T) {
	f := newFixture(t)
	f.seed(t, today(1, 1))

	full, err := f.svc.FullActual(context.Background(), deviceID, 15)

	require.NoError(t, err)
	assert.Nil(t, full.BytesSent)
	assert.Nil(t, full.BytesReceived)
	assert.Equal(t, int64(1), full.MonthlyEventCount)
}

func TestHistory_MergesCountersAndTraffic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(now.Add(-2 * time.Hour))
	f.traffic.Record(ctx, deviceID, 10, 20, "")
	f.seed(t, today(1, 1))
	f.clock.Set(now)

	history, err := f.svc.History(ctx, deviceID)

	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(10), *history[0].BytesSent)
	assert.Zero(t, history[0].DailyEventCount)
	assert.Equal(t, int64(1), history[1].DailyEventCount)
	assert.Equal(t, int64(10), *history[1].BytesSent)
}
