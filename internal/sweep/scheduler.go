// Package sweep promotes devices that stayed TemporarilyOut past the
// missing threshold.
//
// The Scheduler runs on its own ticker, independent of the sighting
// processor. Both write through the audit store's conditional update, so a
// sighting that lands between the sweep's read and its write wins: the
// sweep's update matches no row and the device is skipped. The sweep only
// ever promotes TemporarilyOut to Missing.
package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/Pycube-FP/Pycube-MDM/internal/audit"
	"github.com/Pycube-FP/Pycube-MDM/internal/device"
	"github.com/Pycube-FP/Pycube-MDM/internal/notify"
	"github.com/Pycube-FP/Pycube-MDM/internal/presence"
)

const (
	defaultInterval   = 2 * time.Minute
	defaultThreshold  = 2 * time.Minute
	defaultRetryDelay = 200 * time.Millisecond
)

// DeviceLister lists devices by status.
type DeviceLister interface {
	ListByStatus(ctx context.Context, status presence.Status) ([]device.Device, error)
}

// TransitionStore applies a decided transition atomically.
type TransitionStore interface {
	ApplyTransition(ctx context.Context, c audit.Change) (*audit.Result, error)
}

// Logger is the logging interface used by the scheduler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config tunes a Scheduler. Zero values take defaults.
type Config struct {
	Interval   time.Duration
	Threshold  time.Duration
	RunOnStart bool
	RetryDelay time.Duration
}

// Result summarises one sweep run.
type Result struct {
	StartedAt time.Time     `json:"startedAt"`
	Checked   int           `json:"checked"`
	Promoted  int           `json:"promoted"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Scheduler runs the missing sweep periodically.
type Scheduler struct {
	devices  DeviceLister
	store    TransitionStore
	notifier notify.Notifier

	cfg    Config
	logger Logger
	now    func() time.Time

	mu      sync.RWMutex
	lastRun *Result

	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler creates a scheduler.
func NewScheduler(devices DeviceLister, store TransitionStore, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	return &Scheduler{
		devices: devices,
		store:   store,
		cfg:     cfg,
		logger:  noopLogger{},
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// SetLogger sets the logger.
func (s *Scheduler) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetNotifier sets where promotions are announced.
func (s *Scheduler) SetNotifier(n notify.Notifier) {
	s.notifier = n
}

// Interval returns the tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.cfg.Interval
}

// LastRun returns the most recent run, if any.
func (s *Scheduler) LastRun() (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastRun == nil {
		return Result{}, false
	}
	return *s.lastRun, true
}

// RunOnce sweeps every TemporarilyOut device once.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	start := s.now()
	res := Result{StartedAt: start.UTC()}

	var devices []device.Device
	err := s.withRetry(ctx, func() error {
		var lerr error
		devices, lerr = s.devices.ListByStatus(ctx, presence.TemporarilyOut)
		return lerr
	})
	if err != nil {
		res.Duration = s.now().Sub(start)
		res.Error = err.Error()
		s.record(res)
		s.logger.Error("missing sweep failed", "error", err)
		return res, err
	}

	res.Checked = len(devices)
	for i := range devices {
		if ctx.Err() != nil {
			break
		}
		s.sweepDevice(ctx, &devices[i], start, &res)
	}

	res.Duration = s.now().Sub(start)
	s.record(res)

	if res.Promoted > 0 || res.Failed > 0 {
		s.logger.Info("missing sweep completed",
			"checked", res.Checked,
			"promoted", res.Promoted,
			"skipped", res.Skipped,
			"failed", res.Failed,
			"duration", res.Duration.String(),
		)
	} else {
		s.logger.Debug("missing sweep completed", "checked", res.Checked)
	}

	return res, ctx.Err()
}

func (s *Scheduler) sweepDevice(ctx context.Context, d *device.Device, now time.Time, res *Result) {
	tr, due := presence.OnSweep(d.Status, d.LastStatusChangeAt, now, s.cfg.Threshold)
	if !due {
		return
	}

	change := audit.Change{
		DeviceID:   d.ID,
		Transition: tr,
		HospitalID: d.Hospital(),
		LocationID: d.Location(),
		ObservedAt: now,
	}

	var result *audit.Result
	err := s.withRetry(ctx, func() error {
		var aerr error
		result, aerr = s.store.ApplyTransition(ctx, change)
		return aerr
	})
	switch {
	case errors.Is(err, audit.ErrStaleStatus):
		res.Skipped++
		s.logger.Debug("device changed before promotion, skipping", "device_id", d.ID)
	case err != nil:
		res.Failed++
		s.logger.Error("promoting device to missing failed", "device_id", d.ID, "error", err)
	default:
		res.Promoted++
		s.logger.Warn("device missing",
			"device_id", d.ID,
			"tag", d.Tag,
			"location_id", d.Location(),
			"out_for", presence.Elapsed(d.LastStatusChangeAt, now).Round(time.Second).String(),
		)
		if s.notifier != nil {
			s.notifier.Notify(notify.NewEvent(result))
		}
	}
}

func (s *Scheduler) record(res Result) {
	s.mu.Lock()
	s.lastRun = &res
	s.mu.Unlock()
}

// Start runs the sweep every Interval, and once immediately if RunOnStart
// is set, until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(loopCtx)
}

// Stop cancels any in-progress run and joins the loop without waiting for
// the next tick. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	if s.cfg.RunOnStart {
		s.RunOnce(ctx) //nolint:errcheck // logged in RunOnce
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.RunOnce(ctx) //nolint:errcheck // logged in RunOnce
		}
	}
}

// withRetry retries a persistence failure once. A stale status is final.
func (s *Scheduler) withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RetryDelay), 1), ctx)
	return backoff.Retry(func() error {
		err := op()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, audit.ErrStaleStatus),
			errors.Is(err, audit.ErrInvalidChange),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return backoff.Permanent(err)
		}
		s.logger.Warn("persistence error, retrying", "error", err)
		return err
	}, b)
}
