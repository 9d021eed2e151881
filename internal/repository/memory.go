package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/device-usage-worker/internal/traffic"
	"github.com/septivank/device-usage-worker/internal/usage"
)

// MemoryCounterStore keeps counter snapshots in process memory. It backs the
// memory storage driver and the tests.
type MemoryCounterStore struct {
	mu        sync.RWMutex
	snapshots map[string][]usage.Snapshot
}

// NewMemoryCounterStore creates an empty in-memory counter store
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{snapshots: make(map[string][]usage.Snapshot)}
}

// Append stores a copy of the snapshot
func (m *MemoryCounterStore) Append(_ context.Context, snapshot usage.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(snapshot)
	return nil
}

// AppendIfLatest stores the snapshot when previousID is still the latest id
func (m *MemoryCounterStore) AppendIfLatest(_ context.Context, snapshot usage.Snapshot, previousID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	latestID := uuid.Nil
	if latest := m.latestLocked(snapshot.DeviceID); latest != nil {
		latestID = latest.ID
	}
	if latestID != previousID {
		return fmt.Errorf("latest snapshot is %s, expected %s: %w", latestID, previousID, usage.ErrConcurrentUpdate)
	}

	m.appendLocked(snapshot)
	return nil
}

// Latest returns the snapshot with the greatest UpdatedAt, nil when none
func (m *MemoryCounterStore) Latest(_ context.Context, deviceID string) (*usage.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := m.latestLocked(deviceID)
	if latest == nil {
		return nil, nil
	}
	c := latest.Clone()
	return &c, nil
}

// History returns every snapshot of the device, oldest first
func (m *MemoryCounterStore) History(_ context.Context, deviceID string) ([]usage.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.snapshots[deviceID]
	history := make([]usage.Snapshot, 0, len(stored))
	for _, s := range stored {
		history = append(history, s.Clone())
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].UpdatedAt.Before(history[j].UpdatedAt)
	})
	return history, nil
}

// DeleteAll removes every snapshot of the listed devices
func (m *MemoryCounterStore) DeleteAll(_ context.Context, deviceIDs ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for _, id := range deviceIDs {
		deleted += int64(len(m.snapshots[id]))
		delete(m.snapshots, id)
	}
	return deleted, nil
}

func (m *MemoryCounterStore) appendLocked(snapshot usage.Snapshot) {
	m.snapshots[snapshot.DeviceID] = append(m.snapshots[snapshot.DeviceID], snapshot.Clone())
}

// latestLocked prefers the later insert on equal UpdatedAt
func (m *MemoryCounterStore) latestLocked(deviceID string) *usage.Snapshot {
	stored := m.snapshots[deviceID]
	var latest *usage.Snapshot
	for i := range stored {
		if latest == nil || !stored[i].UpdatedAt.Before(latest.UpdatedAt) {
			latest = &stored[i]
		}
	}
	return latest
}

// MemoryTrafficStore keeps daily traffic rows in process memory
type MemoryTrafficStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]traffic.Snapshot
}

// NewMemoryTrafficStore creates an empty in-memory traffic store
func NewMemoryTrafficStore() *MemoryTrafficStore {
	return &MemoryTrafficStore{rows: make(map[string]map[string]traffic.Snapshot)}
}

// UpsertDaily creates or overwrites the row of (deviceID, day)
func (m *MemoryTrafficStore) UpsertDaily(_ context.Context, deviceID, day string, bytesSent, bytesReceived int64, updatedAt time.Time) (traffic.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	days, ok := m.rows[deviceID]
	if !ok {
		days = make(map[string]traffic.Snapshot)
		m.rows[deviceID] = days
	}

	row := traffic.Snapshot{
		DeviceID:      deviceID,
		CreatedDate:   day,
		BytesReceived: bytesReceived,
		BytesSent:     bytesSent,
		UpdatedAt:     updatedAt,
	}
	days[day] = row
	return row, nil
}

// Latest returns the most recently updated row, nil when none
func (m *MemoryTrafficStore) Latest(ctx context.Context, deviceID string) (*traffic.Snapshot, error) {
	history, _ := m.History(ctx, deviceID)
	if len(history) == 0 {
		return nil, nil
	}
	return &history[len(history)-1], nil
}

// LatestBefore returns the most recently updated row strictly before the
// given instant, nil when none
func (m *MemoryTrafficStore) LatestBefore(ctx context.Context, deviceID string, before time.Time) (*traffic.Snapshot, error) {
	history, _ := m.History(ctx, deviceID)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].UpdatedAt.Before(before) {
			return &history[i], nil
		}
	}
	return nil, nil
}

// History returns every row of the device, oldest first
func (m *MemoryTrafficStore) History(_ context.Context, deviceID string) ([]traffic.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	days := m.rows[deviceID]
	history := make([]traffic.Snapshot, 0, len(days))
	for _, row := range days {
		history = append(history, row)
	}
	sort.Slice(history, func(i, j int) bool {
		if history[i].UpdatedAt.Equal(history[j].UpdatedAt) {
			return history[i].CreatedDate < history[j].CreatedDate
		}
		return history[i].UpdatedAt.Before(history[j].UpdatedAt)
	})
	return history, nil
}

// Recent returns up to limit of the latest rows, oldest first
func (m *MemoryTrafficStore) Recent(ctx context.Context, deviceID string, limit int) ([]traffic.Snapshot, error) {
	history, _ := m.History(ctx, deviceID)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}
