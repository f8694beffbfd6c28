package healthcache

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetFreshHit(t *testing.T) {
	c := New(5*time.Minute, 100, testLogger())
	c.Set("radarr", 1, "BluRay", true, "")

	e, ok := c.Get("radarr", 1)
	require.True(t, ok)
	assert.Equal(t, "BluRay", e.IndexerName)
	assert.True(t, e.Success)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 0, stats.Misses)
}

func TestGetUnknownKeyMiss(t *testing.T) {
	c := New(5*time.Minute, 100, testLogger())
	_, ok := c.Get("sonarr", 42)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Stats().Misses)
}

func TestGetExpiredEntryRemoved(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(5*time.Minute, 100, testLogger(), WithClock(func() time.Time { return now }))
	c.Set("radarr", 1, "BluRay", true, "")

	now = now.Add(5 * time.Minute)
	_, ok := c.Get("radarr", 1)
	assert.False(t, ok, "entry at TTL age is stale")
	assert.Equal(t, 0, c.Stats().Size, "stale entry removed on read")
	assert.Equal(t, 1, c.Stats().Misses)
}

func TestSetEvictsOldestAtCapacity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(time.Hour, 3, testLogger(), WithClock(func() time.Time { return now }))

	for i := 1; i <= 3; i++ {
		c.Set("radarr", i, fmt.Sprintf("idx-%d", i), true, "")
		now = now.Add(time.Second)
	}
	c.Set("radarr", 4, "idx-4", true, "")

	// Exactly the entry with the smallest timestamp is gone.
	_, ok := c.Get("radarr", 1)
	assert.False(t, ok)
	for i := 2; i <= 4; i++ {
		_, ok := c.Get("radarr", i)
		assert.True(t, ok, "entry %d should survive", i)
	}
	assert.Equal(t, 3, c.Stats().Size)
}

func TestSetOverwriteDoesNotEvict(t *testing.T) {
	c := New(time.Hour, 2, testLogger())
	c.Set("radarr", 1, "a", true, "")
	c.Set("radarr", 2, "b", true, "")
	c.Set("radarr", 1, "a", false, "timeout")

	assert.Equal(t, 2, c.Stats().Size)
	e, ok := c.Get("radarr", 1)
	require.True(t, ok)
	assert.False(t, e.Success)
	assert.Equal(t, "timeout", e.Error)
}

func TestInvalidate(t *testing.T) {
	c := New(time.Hour, 100, testLogger())
	c.Set("radarr", 1, "a", true, "")
	c.Invalidate("radarr", 1)

	_, ok := c.Get("radarr", 1)
	assert.False(t, ok)
}

func TestInvalidateService(t *testing.T) {
	c := New(time.Hour, 100, testLogger())
	c.Set("radarr", 1, "a", true, "")
	c.Set("radarr", 2, "b", true, "")
	c.Set("sonarr", 1, "c", true, "")

	c.InvalidateService("radarr")

	_, ok := c.Get("radarr", 1)
	assert.False(t, ok)
	_, ok = c.Get("radarr", 2)
	assert.False(t, ok)
	_, ok = c.Get("sonarr", 1)
	assert.True(t, ok, "other services untouched")
}

func TestClearAndStats(t *testing.T) {
	c := New(time.Hour, 100, testLogger())
	c.Set("radarr", 1, "a", true, "")
	c.Get("radarr", 1)
	c.Get("radarr", 2)

	c.Clear()

	stats := c.Stats()
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
	assert.InDelta(t, 50.0, stats.HitRate, 0.001)
}
