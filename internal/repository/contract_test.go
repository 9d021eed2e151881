package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/device-usage-worker/internal/traffic"
	"github.com/septivank/device-usage-worker/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, time.May, 20, 10, 0, 0, 0, time.UTC)

func counterSnapshot(deviceID string, updatedAt time.Time, monthly int64) usage.Snapshot {
	uploaded := monthly * 1024
	return usage.Snapshot{
		ID:                     uuid.New(),
		DeviceID:               deviceID,
		BillingDay:             15,
		DailyEventCount:        1,
		MonthlyEventCount:      monthly,
		MonthlyLiveSeconds:     60,
		MonthlyRecordSeconds:   120,
		MonthlyUploadBytes:     &uploaded,
		LastEventCounterUpdate: updatedAt,
		UpdatedAt:              updatedAt,
	}
}

// testCounterStore runs the behaviour every usage.CounterStore must share
func testCounterStore(t *testing.T, newStore func(t *testing.T) usage.CounterStore) {
	t.Run("latest of unknown device is nil", func(t *testing.T) {
		store := newStore(t)

		latest, err := store.Latest(context.Background(), "unknown")

		require.NoError(t, err)
		assert.Nil(t, latest)
	})

	t.Run("latest is the greatest updated_at", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		newer := counterSnapshot("dev-latest", base.Add(time.Hour), 2)
		require.NoError(t, store.Append(ctx, newer))
		require.NoError(t, store.Append(ctx, counterSnapshot("dev-latest", base, 1)))

		latest, err := store.Latest(ctx, "dev-latest")

		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, newer.ID, latest.ID)
		assert.Equal(t, int64(2), latest.MonthlyEventCount)
		require.NotNil(t, latest.MonthlyUploadBytes)
		assert.Equal(t, int64(2048), *latest.MonthlyUploadBytes)
		assert.Nil(t, latest.MonthlyLiveBytes)
		assert.Nil(t, latest.ResetRequestedAt)
		assert.True(t, newer.UpdatedAt.Equal(latest.UpdatedAt))
	})

	t.Run("history is ordered by updated_at", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Append(ctx, counterSnapshot("dev-history", base.Add(2*time.Hour), 3)))
		require.NoError(t, store.Append(ctx, counterSnapshot("dev-history", base, 1)))
		require.NoError(t, store.Append(ctx, counterSnapshot("dev-history", base.Add(time.Hour), 2)))
		require.NoError(t, store.Append(ctx, counterSnapshot("dev-other", base, 9)))

		history, err := store.History(ctx, "dev-history")

		require.NoError(t, err)
		require.Len(t, history, 3)
		for i, want := range []int64{1, 2, 3} {
			assert.Equal(t, want, history[i].MonthlyEventCount)
		}
	})

	t.Run("equal updated_at prefers the later insert", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		first := counterSnapshot("dev-tie", base, 1)
		second := counterSnapshot("dev-tie", base, 2)
		require.NoError(t, store.Append(ctx, first))
		require.NoError(t, store.Append(ctx, second))

		latest, err := store.Latest(ctx, "dev-tie")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, second.ID, latest.ID)

		history, err := store.History(ctx, "dev-tie")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, first.ID, history[0].ID)
		assert.Equal(t, second.ID, history[1].ID)

		third := counterSnapshot("dev-tie", base, 3)
		assert.ErrorIs(t, store.AppendIfLatest(ctx, third, first.ID), usage.ErrConcurrentUpdate)
		require.NoError(t, store.AppendIfLatest(ctx, third, second.ID))
	})

	t.Run("append if latest", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		first := counterSnapshot("dev-strict", base, 1)
		require.NoError(t, store.AppendIfLatest(ctx, first, uuid.Nil))

		second := counterSnapshot("dev-strict", base.Add(time.Minute), 2)
		require.NoError(t, store.AppendIfLatest(ctx, second, first.ID))

		stale := counterSnapshot("dev-strict", base.Add(2*time.Minute), 3)
		err := store.AppendIfLatest(ctx, stale, first.ID)
		assert.ErrorIs(t, err, usage.ErrConcurrentUpdate)

		err = store.AppendIfLatest(ctx, counterSnapshot("dev-strict", base.Add(3*time.Minute), 4), uuid.Nil)
		assert.ErrorIs(t, err, usage.ErrConcurrentUpdate)

		history, err := store.History(ctx, "dev-strict")
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("reset requested at round trips", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		s := counterSnapshot("dev-reset", base, 0)
		resetAt := base.Add(-time.Minute)
		s.ResetRequestedAt = &resetAt
		s.BillingDay = 31

		require.NoError(t, store.Append(ctx, s))
		latest, err := store.Latest(ctx, "dev-reset")

		require.NoError(t, err)
		require.NotNil(t, latest.ResetRequestedAt)
		assert.True(t, resetAt.Equal(*latest.ResetRequestedAt))
		assert.Equal(t, 31, latest.BillingDay)
	})

	t.Run("delete all", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Append(ctx, counterSnapshot("dev-a", base, 1)))
		require.NoError(t, store.Append(ctx, counterSnapshot("dev-a", base.Add(time.Hour), 2)))
		require.NoError(t, store.Append(ctx, counterSnapshot("dev-b", base, 1)))
		require.NoError(t, store.Append(ctx, counterSnapshot("dev-c", base, 1)))

		deleted, err := store.DeleteAll(ctx, "dev-a", "dev-b", "dev-missing")

		require.NoError(t, err)
		assert.Equal(t, int64(3), deleted)
		latest, err := store.Latest(ctx, "dev-a")
		require.NoError(t, err)
		assert.Nil(t, latest)
		latest, err = store.Latest(ctx, "dev-c")
		require.NoError(t, err)
		assert.NotNil(t, latest)
	})
}

// testTrafficStore runs the behaviour every traffic.Store must share
func testTrafficStore(t *testing.T, newStore func(t *testing.T) traffic.Store) {
	t.Run("upsert overwrites the same day", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.UpsertDaily(ctx, "dev-upsert", "2024-05-20", 10, 20, base)
		require.NoError(t, err)
		saved, err := store.UpsertDaily(ctx, "dev-upsert", "2024-05-20", 30, 40, base.Add(time.Hour))
		require.NoError(t, err)

		assert.Equal(t, "2024-05-20", saved.CreatedDate)
		assert.Equal(t, int64(30), saved.BytesSent)
		assert.Equal(t, int64(40), saved.BytesReceived)

		history, err := store.History(ctx, "dev-upsert")
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.True(t, base.Add(time.Hour).Equal(history[0].UpdatedAt))
	})

	t.Run("latest and latest before", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i, day := range []string{"2024-05-18", "2024-05-19", "2024-05-20"} {
			_, err := store.UpsertDaily(ctx, "dev-floor", day, int64(i), int64(i*10), base.AddDate(0, 0, i-2))
			require.NoError(t, err)
		}

		latest, err := store.Latest(ctx, "dev-floor")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "2024-05-20", latest.CreatedDate)

		floor, err := store.LatestBefore(ctx, "dev-floor", base.AddDate(0, 0, -1))
		require.NoError(t, err)
		require.NotNil(t, floor)
		assert.Equal(t, "2024-05-18", floor.CreatedDate, "strictly before")

		none, err := store.LatestBefore(ctx, "dev-floor", base.AddDate(0, 0, -2))
		require.NoError(t, err)
		assert.Nil(t, none)

		missing, err := store.Latest(ctx, "dev-missing")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("recent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			day := base.AddDate(0, 0, i)
			_, err := store.UpsertDaily(ctx, "dev-recent", day.Format("2006-01-02"), int64(i), int64(i), day)
			require.NoError(t, err)
		}

		recent, err := store.Recent(ctx, "dev-recent", 2)

		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, int64(2), recent[0].BytesSent)
		assert.Equal(t, int64(3), recent[1].BytesSent)
	})
}
