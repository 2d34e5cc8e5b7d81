// Package notify fans committed transitions out to downstream consumers.
//
// Notification is best-effort and happens after the transaction commits.
// A slow or failing sink never blocks or fails the engine's write path:
// events are queued, and a full queue drops the event with a warning.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Pycube-FP/Pycube-MDM/internal/audit"
)

const (
	defaultQueueSize   = 256
	defaultSinkTimeout = 5 * time.Second
)

// EventTransition is the event type of every notification.
const EventTransition = "transition"

// Event is one committed transition, with the sighting that caused it when
// the trigger was a sighting.
type Event struct {
	Type     string          `json:"type"`
	Alert    audit.Alert     `json:"alert"`
	Sighting *audit.Sighting `json:"sighting,omitempty"`
}

// NewEvent builds the event for a committed result.
func NewEvent(res *audit.Result) Event {
	return Event{Type: EventTransition, Alert: res.Alert, Sighting: res.Sighting}
}

// Sink delivers one event to one destination.
type Sink interface {
	Name() string
	Notify(ctx context.Context, evt Event) error
}

// Notifier accepts events from the engine.
type Notifier interface {
	Notify(evt Event)
}

// Logger is the logging interface used by the fanout.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Stats counts fanout outcomes.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Fanout delivers each event to every sink from one background worker.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	logger  Logger

	queue chan Event

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewFanout creates a fanout over sinks. A nil or empty sink list is valid;
// events are then discarded.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{
		sinks:   sinks,
		timeout: defaultSinkTimeout,
		logger:  noopLogger{},
		queue:   make(chan Event, defaultQueueSize),
	}
}

// SetLogger sets the logger.
func (f *Fanout) SetLogger(logger Logger) {
	if logger != nil {
		f.logger = logger
	}
}

// Sinks returns the configured sink names.
func (f *Fanout) Sinks() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Start launches the delivery worker.
func (f *Fanout) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.closed {
		return
	}
	f.started = true

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for evt := range f.queue {
			f.deliver(evt)
		}
	}()
}

// Notify queues evt. It never blocks; a full queue or a stopped fanout
// drops the event.
func (f *Fanout) Notify(evt Event) {
	if len(f.sinks) == 0 {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.dropped.Add(1)
		return
	}

	select {
	case f.queue <- evt:
	default:
		f.dropped.Add(1)
		f.logger.Warn("notification queue full, dropping event",
			"alert_id", evt.Alert.ID,
			"device_id", evt.Alert.DeviceID,
		)
	}
}

// Stop stops accepting events and delivers everything already queued.
func (f *Fanout) Stop() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.queue)
	started := f.started
	f.mu.Unlock()

	if !started {
		for evt := range f.queue {
			f.deliver(evt)
		}
		return
	}
	f.wg.Wait()
}

// Stats returns a snapshot of delivery counters.
func (f *Fanout) Stats() Stats {
	return Stats{
		Delivered: f.delivered.Load(),
		Failed:    f.failed.Load(),
		Dropped:   f.dropped.Load(),
	}
}

func (f *Fanout) deliver(evt Event) {
	for _, sink := range f.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := sink.Notify(ctx, evt)
		cancel()

		if err != nil {
			f.failed.Add(1)
			f.logger.Warn("notification failed",
				"sink", sink.Name(),
				"alert_id", evt.Alert.ID,
				"error", err,
			)
			continue
		}
		f.delivered.Add(1)
		f.logger.Debug("notification delivered", "sink", sink.Name(), "alert_id", evt.Alert.ID)
	}
}
