package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_IncrementCountsUp(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := m.Increment(ctx, "failures:1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestMemory_IncrementResetsAfterTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return now })

	_, err := m.Increment(ctx, "failures:1", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	got, err := m.Increment(ctx, "failures:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "expired counter restarts from zero")
}

func TestMemory_FlagLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return now })

	ok, err := m.Exists(ctx, "open:1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SetFlag(ctx, "open:1", 15*time.Minute))

	ok, err = m.Exists(ctx, "open:1")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(16 * time.Minute)
	ok, err = m.Exists(ctx, "open:1")
	require.NoError(t, err)
	assert.False(t, ok, "flag expires with its TTL")
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SetFlag(ctx, "open:1", time.Minute))
	_, err := m.Increment(ctx, "failures:1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "open:1", "failures:1", "missing"))

	ok, err := m.Exists(ctx, "open:1")
	require.NoError(t, err)
	assert.False(t, ok)
}
