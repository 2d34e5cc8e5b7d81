// Package dedup suppresses repeated reads of the same tag inside a short
// window.
//
// Every valid sighting toggles a device, so a reader that reports one pass
// twice flips the device back. When enabled, the sighting processor asks a
// Suppressor before deciding; a read already Seen in the window is dropped.
// The window is fixed from the first read; repeats do not extend it.
package dedup

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/redis"
)

// Suppressor reports whether key was already seen inside the window and
// records it if not.
type Suppressor interface {
	Seen(ctx context.Context, key string) (bool, error)
}

// Key builds the suppression key for a read. With perReader the same tag at
// a different reader or antenna is not a duplicate. Tags are keyed
// upper-case so hex case differences still collapse.
func Key(tag, readerCode string, antenna int, perReader bool) string {
	tag = strings.ToUpper(tag)
	if !perReader {
		return tag
	}
	return tag + "|" + readerCode + "|" + strconv.Itoa(antenna)
}

// Memory is an in-process Suppressor. It is only correct for a single
// engine instance.
type Memory struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // key -> expiry

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMemory creates an in-memory suppressor.
func NewMemory(window time.Duration) *Memory {
	return &Memory{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
		done:   make(chan struct{}),
	}
}

// Seen implements Suppressor.
func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if expiry, ok := m.seen[key]; ok && now.Before(expiry) {
		return true, nil
	}
	m.seen[key] = now.Add(m.window)
	return false, nil
}

// Prune drops expired keys and returns how many remain.
func (m *Memory) Prune() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, expiry := range m.seen {
		if !now.Before(expiry) {
			delete(m.seen, k)
		}
	}
	return len(m.seen)
}

// Start prunes expired keys once per window until ctx is cancelled or Stop
// is called.
func (m *Memory) Start(ctx context.Context) {
	interval := m.window
	if interval < time.Second {
		interval = time.Second
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C:
				m.Prune()
			}
		}
	}()
}

// Stop ends the prune loop. Safe to call more than once.
func (m *Memory) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// Redis is a Suppressor shared by every engine instance using the same
// Redis, built on SET NX PX.
type Redis struct {
	client *redis.Client
	window time.Duration
}

// NewRedis creates a Redis-backed suppressor.
func NewRedis(client *redis.Client, window time.Duration) *Redis {
	return &Redis{client: client, window: window}
}

// Seen implements Suppressor. On error the caller decides; the engine
// fails open.
func (r *Redis) Seen(ctx context.Context, key string) (bool, error) {
	set, err := r.client.SetNX(ctx, r.client.Key("dedup", key), r.window)
	if err != nil {
		return false, err
	}
	return !set, nil
}
