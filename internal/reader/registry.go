package reader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry resolves reader antennas with an in-memory cache in front of
// the repository.
//
// The cache is populated by RefreshCache at startup and on an optional
// interval. A cache miss falls back to the repository, so a reader
// provisioned after startup resolves without a restart. Misses are not
// cached. Fallback hits are cached only while periodic refresh runs, since
// nothing else would ever evict them.
//
// All public methods are thread-safe.
type Registry struct {
	repo       Repository
	hospitalID string

	cache   map[Key]Reader
	cacheMu sync.RWMutex

	refreshing atomic.Bool

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// NewRegistry creates a registry. A non-empty hospitalID restricts
// resolution to readers of that hospital.
func NewRegistry(repo Repository, hospitalID string) *Registry {
	return &Registry{
		repo:       repo,
		hospitalID: hospitalID,
		cache:      make(map[Key]Reader),
		done:       make(chan struct{}),
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all readers from the repository.
func (r *Registry) RefreshCache(ctx context.Context) error {
	readers, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading readers: %w", err)
	}

	cache := make(map[Key]Reader, len(readers))
	for _, rd := range readers {
		cache[rd.Key()] = rd
	}

	r.cacheMu.Lock()
	r.cache = cache
	r.cacheMu.Unlock()

	r.logger.Debug("reader cache refreshed", "count", len(readers))
	return nil
}

// Resolve maps a (reader code, antenna) pair to its reader, location and
// hospital. It returns ErrReaderNotFound when the pair is unregistered,
// the reader is not Active, or the reader belongs to another hospital.
func (r *Registry) Resolve(ctx context.Context, code string, antenna int) (Resolution, error) {
	code = strings.TrimSpace(code)
	if code == "" || antenna < 0 {
		return Resolution{}, fmt.Errorf("%w: %q/%d", ErrInvalidKey, code, antenna)
	}

	key := Key{Code: code, Antenna: antenna}

	r.cacheMu.RLock()
	rd, ok := r.cache[key]
	r.cacheMu.RUnlock()

	if !ok {
		found, err := r.repo.FindByCodeAndAntenna(ctx, code, antenna)
		if err != nil {
			return Resolution{}, err
		}
		rd = *found

		if r.refreshing.Load() {
			r.cacheMu.Lock()
			r.cache[key] = rd
			r.cacheMu.Unlock()
		}
	}

	if !rd.Active() {
		return Resolution{}, fmt.Errorf("%w: %s/%d is %s", ErrReaderNotFound, code, antenna, rd.Status)
	}
	if r.hospitalID != "" && rd.HospitalID != r.hospitalID {
		return Resolution{}, fmt.Errorf("%w: %s/%d belongs to hospital %s", ErrReaderNotFound, code, antenna, rd.HospitalID)
	}

	return Resolution{
		ReaderID:   rd.ID,
		LocationID: rd.LocationID,
		HospitalID: rd.HospitalID,
	}, nil
}

// CacheSize returns the number of cached readers.
func (r *Registry) CacheSize() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// StartRefresh reloads the cache every interval until Stop is called or
// ctx is cancelled. A non-positive interval disables periodic refresh.
func (r *Registry) StartRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.refreshing.Store(true)
	r.wg.Add(1)
	go r.refreshLoop(ctx, interval)
}

// Stop ends periodic refresh. Safe to call multiple times.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Registry) refreshLoop(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.RefreshCache(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("reader cache refresh failed", "error", err)
			}
		}
	}
}
