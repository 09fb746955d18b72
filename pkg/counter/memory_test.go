package counter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func newClockedMemory(ttls TTLs) (*Memory, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(ttls, 0)
	m.now = clock.now
	return m, clock
}

func TestMemory_Expiry(t *testing.T) {
	m, clock := newClockedMemory(TTLs{Read: time.Hour, Marker: 24 * time.Hour})
	ctx := context.Background()

	_, err := m.RecordRead(ctx, 1, "user1", &Seed{})
	require.NoError(t, err)

	clock.t = clock.t.Add(59 * time.Minute)
	snap, err := m.Snapshot(ctx, 1, "user1")
	require.NoError(t, err)
	assert.True(t, snap.TotalReads.Present)

	clock.t = clock.t.Add(2 * time.Minute)
	snap, err = m.Snapshot(ctx, 1, "user1")
	require.NoError(t, err)
	assert.False(t, snap.TotalReads.Present)
	assert.False(t, snap.UserCount.Present)
	assert.Equal(t, Some(1), snap.UserReads)
}

func TestMemory_WriteRefreshesExpiry(t *testing.T) {
	m, clock := newClockedMemory(TTLs{Read: time.Hour, Marker: 24 * time.Hour})
	ctx := context.Background()

	_, err := m.RecordRead(ctx, 1, "user1", &Seed{})
	require.NoError(t, err)
	clock.t = clock.t.Add(50 * time.Minute)
	_, err = m.RecordRead(ctx, 1, "user2", &Seed{})
	require.NoError(t, err)
	clock.t = clock.t.Add(50 * time.Minute)

	total, users, err := ArticleCounters(ctx, m, 1)
	require.NoError(t, err)
	assert.Equal(t, Some(2), total)
	assert.Equal(t, Some(2), users)
}

func TestMemory_SeededCountersExpire(t *testing.T) {
	m, clock := newClockedMemory(TTLs{Read: time.Hour, Marker: 24 * time.Hour})
	ctx := context.Background()

	res, err := m.RecordRead(ctx, 1, "user1", &Seed{TotalReads: 10, UserCount: 4, UserReads: 2})
	require.NoError(t, err)
	assert.Equal(t, ReadResult{TotalReads: 11, UserCount: 4, UserReads: 3}, res)

	clock.t = clock.t.Add(61 * time.Minute)
	snap, err := m.Snapshot(ctx, 1, "user1")
	require.NoError(t, err)
	assert.False(t, snap.TotalReads.Present)
	assert.False(t, snap.UserCount.Present)
	assert.Equal(t, Some(3), snap.UserReads)
}

func TestMemory_DeleteExpired(t *testing.T) {
	m, clock := newClockedMemory(DefaultTTLs())
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", 1, time.Second))
	require.NoError(t, m.Set(ctx, "forever", 1, 0))

	clock.t = clock.t.Add(time.Minute)
	m.deleteExpired()

	m.mu.Lock()
	_, short := m.data["short"]
	_, forever := m.data["forever"]
	m.mu.Unlock()
	assert.False(t, short)
	assert.True(t, forever)
}

func TestMemory_CanceledContext(t *testing.T) {
	m := NewMemory(DefaultTTLs(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.RecordRead(ctx, 1, "user1", &Seed{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMemory_JanitorStops(t *testing.T) {
	m := NewMemory(DefaultTTLs(), time.Millisecond)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
