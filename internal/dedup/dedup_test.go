package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/redis"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "D-TAG-1", Key("D-TAG-1", "R-100", 1, false))
	assert.Equal(t, "D-TAG-1|R-100|1", Key("D-TAG-1", "R-100", 1, true))
	assert.NotEqual(t, Key("D-TAG-1", "R-100", 1, true), Key("D-TAG-1", "R-100", 2, true))
	assert.Equal(t, Key("D-TAG-1", "R-100", 1, false), Key("d-tag-1", "R-100", 1, false))
}

func TestMemory_Window(t *testing.T) {
	now := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	m := NewMemory(10 * time.Second)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	seen, err := m.Seen(ctx, "D-TAG-1")
	require.NoError(t, err)
	assert.False(t, seen)

	now = now.Add(5 * time.Second)
	seen, _ = m.Seen(ctx, "D-TAG-1")
	assert.True(t, seen, "repeat inside window")

	seen, _ = m.Seen(ctx, "D-TAG-2")
	assert.False(t, seen, "other tags are independent")

	// The window is fixed from the first read.
	now = now.Add(5 * time.Second)
	seen, _ = m.Seen(ctx, "D-TAG-1")
	assert.False(t, seen, "window expired")
}

func TestMemory_Prune(t *testing.T) {
	now := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	m := NewMemory(10 * time.Second)
	m.now = func() time.Time { return now }

	m.Seen(context.Background(), "a") //nolint:errcheck
	now = now.Add(6 * time.Second)
	m.Seen(context.Background(), "b") //nolint:errcheck
	assert.Equal(t, 2, m.Prune())

	now = now.Add(5 * time.Second)
	assert.Equal(t, 1, m.Prune())
}

func TestMemory_StartStop(t *testing.T) {
	m := NewMemory(time.Millisecond)
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}

func TestRedis_Window(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "presence:")
	defer client.Close()

	r := NewRedis(client, 10*time.Second)
	ctx := context.Background()

	seen, err := r.Seen(ctx, "D-TAG-1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.True(t, mr.Exists("presence:dedup:D-TAG-1"))

	seen, err = r.Seen(ctx, "D-TAG-1")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(11 * time.Second)
	seen, err = r.Seen(ctx, "D-TAG-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedis_ErrorReported(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1}), "presence:")
	defer client.Close()
	mr.Close()

	_, err := NewRedis(client, time.Second).Seen(context.Background(), "k")
	assert.Error(t, err)
}
