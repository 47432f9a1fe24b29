package historystore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func float64Ptr(v float64) *float64 { return &v }

func TestRecordSession_AndRecentSessions_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := SessionRecord{
		StartedAt:              time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC),
		EndedAt:                time.Date(2026, 1, 1, 7, 30, 0, 0, time.UTC),
		StartTempF:             72.0,
		EndTempF:               102.0,
		HeatingVelocityFPerMin: 0.33,
	}
	require.NoError(t, store.RecordSession(ctx, rec))

	sessions, err := store.RecentSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, rec.StartTempF, sessions[0].StartTempF)
	assert.Equal(t, rec.EndTempF, sessions[0].EndTempF)
}

func TestRecentSessions_OrdersNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	older := SessionRecord{StartedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), EndedAt: time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)}
	newer := SessionRecord{StartedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), EndedAt: time.Date(2026, 1, 2, 1, 0, 0, 0, time.UTC)}
	require.NoError(t, store.RecordSession(ctx, older))
	require.NoError(t, store.RecordSession(ctx, newer))

	sessions, err := store.RecentSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].StartedAt.After(sessions[1].StartedAt))
}

func TestSessionsSince_ExcludesEarlierSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordSession(ctx, SessionRecord{StartedAt: cutoff.Add(-24 * time.Hour)}))
	require.NoError(t, store.RecordSession(ctx, SessionRecord{StartedAt: cutoff.Add(24 * time.Hour)}))

	sessions, err := store.SessionsSince(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].StartedAt.After(cutoff))
}

func TestLatestCharacteristicsSnapshot_ReturnsNilWhenEmpty(t *testing.T) {
	store := openTestStore(t)
	snap, err := store.LatestCharacteristicsSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRecordCharacteristicsSnapshot_AndLatest_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := CharacteristicsSnapshot{
		GeneratedAt:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		HeatingVelocityFPerMin: float64Ptr(0.3),
		SessionsAnalyzed:       4,
	}
	second := CharacteristicsSnapshot{
		GeneratedAt:            time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		HeatingVelocityFPerMin: float64Ptr(0.35),
		CoolingRSquared:        float64Ptr(0.92),
		SessionsAnalyzed:       7,
	}
	require.NoError(t, store.RecordCharacteristicsSnapshot(ctx, first))
	require.NoError(t, store.RecordCharacteristicsSnapshot(ctx, second))

	latest, err := store.LatestCharacteristicsSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 7, latest.SessionsAnalyzed)
	require.NotNil(t, latest.CoolingRSquared)
	assert.InDelta(t, 0.92, *latest.CoolingRSquared, 1e-9)
}
