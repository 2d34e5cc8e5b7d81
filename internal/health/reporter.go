// Package health builds periodic status snapshots of the presence engine.
//
// A Reporter collects broker liveness, processor counters, queue depth, the
// last sweep, and database health. Each snapshot is logged, published
// retained to the status topic when one is configured, and kept in memory
// for the HTTP API.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/mqtt"
	"github.com/Pycube-FP/Pycube-MDM/internal/sighting"
	"github.com/Pycube-FP/Pycube-MDM/internal/sweep"
)

const (
	defaultInterval  = 30 * time.Second
	dbCheckTimeout   = 5 * time.Second
	queueDegradedPct = 90
)

// Status is the overall engine condition.
type Status string

// Engine conditions.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusStopping  Status = "stopping"
)

// Checker reports whether a dependency is reachable.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// BrokerStats exposes broker liveness.
type BrokerStats interface {
	Stats() mqtt.Stats
}

// ProcessorStats exposes sighting processor counters.
type ProcessorStats interface {
	Stats() sighting.Stats
}

// SweepStatus exposes the last sweep run.
type SweepStatus interface {
	LastRun() (sweep.Result, bool)
}

// Publisher publishes the retained status message.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
	IsConnected() bool
}

// Logger is the logging interface used by the reporter.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config wires the reporter's sources. Any source may be nil.
type Config struct {
	Version  string
	Interval time.Duration

	// StatusTopic receives the retained snapshot. Empty disables publishing.
	StatusTopic string

	Database  Checker
	Broker    BrokerStats
	Processor ProcessorStats
	Sweep     SweepStatus
	Publisher Publisher
}

// DatabaseStatus is the database part of a snapshot.
type DatabaseStatus struct {
	Healthy bool   `json:"healthy"`
	Latency string `json:"latency"`
	Error   string `json:"error,omitempty"`
}

// Snapshot is one health report.
type Snapshot struct {
	Status    Status          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Uptime    string          `json:"uptime"`
	Database  DatabaseStatus  `json:"database"`
	MQTT      *mqtt.Stats     `json:"mqtt,omitempty"`
	Processor *sighting.Stats `json:"processor,omitempty"`
	LastSweep *sweep.Result   `json:"lastSweep,omitempty"`
}

// Reporter produces snapshots on an interval.
type Reporter struct {
	cfg       Config
	startTime time.Time
	now       func() time.Time

	latest   *Snapshot
	latestMu sync.RWMutex

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewReporter creates a reporter. Call Start to begin reporting.
func NewReporter(cfg Config) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Reporter{
		cfg:       cfg,
		startTime: time.Now(),
		now:       time.Now,
		done:      make(chan struct{}),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for this reporter.
func (r *Reporter) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Reporter) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Collect builds a snapshot without recording or publishing it.
func (r *Reporter) Collect(ctx context.Context) Snapshot {
	now := r.now()
	snap := Snapshot{
		Version:   r.cfg.Version,
		Timestamp: now.UTC(),
		Uptime:    now.Sub(r.startTime).Round(time.Second).String(),
	}

	snap.Database = r.checkDatabase(ctx)
	if r.cfg.Broker != nil {
		st := r.cfg.Broker.Stats()
		snap.MQTT = &st
	}
	if r.cfg.Processor != nil {
		st := r.cfg.Processor.Stats()
		snap.Processor = &st
	}
	if r.cfg.Sweep != nil {
		if last, ok := r.cfg.Sweep.LastRun(); ok {
			snap.LastSweep = &last
		}
	}

	snap.Status, snap.Reason = determineStatus(&snap, r.refusedBefore())
	return snap
}

func (r *Reporter) checkDatabase(ctx context.Context) DatabaseStatus {
	if r.cfg.Database == nil {
		return DatabaseStatus{Error: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, dbCheckTimeout)
	defer cancel()

	start := time.Now()
	err := r.cfg.Database.HealthCheck(ctx)
	st := DatabaseStatus{
		Healthy: err == nil,
		Latency: time.Since(start).Round(time.Microsecond).String(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

// determineStatus ranks conditions: the database is required, everything
// else only degrades.
func determineStatus(s *Snapshot, refusedBefore uint64) (Status, string) {
	if !s.Database.Healthy {
		return StatusUnhealthy, "database unavailable"
	}
	if s.MQTT != nil && !s.MQTT.Connected {
		return StatusDegraded, "mqtt disconnected"
	}
	if p := s.Processor; p != nil && p.QueueCapacity > 0 && p.QueueDepth*100 >= p.QueueCapacity*queueDegradedPct {
		return StatusDegraded, "sighting queue nearly full"
	}
	if p := s.Processor; p != nil && p.QueueFull > refusedBefore {
		return StatusDegraded, "sightings refused on full queue"
	}
	if s.LastSweep != nil && s.LastSweep.Error != "" {
		return StatusDegraded, "last sweep failed"
	}
	return StatusHealthy, ""
}

// refusedBefore returns the refused-delivery count at the last recorded
// report. A refused delivery is not redelivered until the broker session
// reconnects, so any increase degrades the next report.
func (r *Reporter) refusedBefore() uint64 {
	r.latestMu.RLock()
	defer r.latestMu.RUnlock()
	if r.latest == nil || r.latest.Processor == nil {
		return 0
	}
	return r.latest.Processor.QueueFull
}

// Report collects, records, logs, and publishes a snapshot.
func (r *Reporter) Report(ctx context.Context) Snapshot {
	snap := r.Collect(ctx)

	r.latestMu.Lock()
	r.latest = &snap
	r.latestMu.Unlock()

	r.log(snap)
	if err := r.publish(snap); err != nil {
		r.getLogger().Warn("publishing health status failed", "error", err)
	}
	return snap
}

// Latest returns the most recent recorded snapshot.
func (r *Reporter) Latest() (Snapshot, bool) {
	r.latestMu.RLock()
	defer r.latestMu.RUnlock()
	if r.latest == nil {
		return Snapshot{}, false
	}
	return *r.latest, true
}

func (r *Reporter) log(s Snapshot) {
	args := []any{
		"status", string(s.Status),
		"uptime", s.Uptime,
		"db_healthy", s.Database.Healthy,
	}
	if s.Reason != "" {
		args = append(args, "reason", s.Reason)
	}
	if s.MQTT != nil {
		args = append(args, "mqtt_connected", s.MQTT.Connected, "mqtt_messages", s.MQTT.MessagesReceived)
	}
	if s.Processor != nil {
		args = append(args,
			"applied", s.Processor.Applied,
			"failed", s.Processor.Failed,
			"queue_depth", s.Processor.QueueDepth,
		)
	}
	if s.LastSweep != nil {
		args = append(args, "last_sweep_at", s.LastSweep.StartedAt, "last_sweep_promoted", s.LastSweep.Promoted)
	}

	if s.Status == StatusHealthy {
		r.getLogger().Info("health report", args...)
	} else {
		r.getLogger().Warn("health report", args...)
	}
}

func (r *Reporter) publish(s Snapshot) error {
	if r.cfg.StatusTopic == "" || r.cfg.Publisher == nil || !r.cfg.Publisher.IsConnected() {
		return nil
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.cfg.Publisher.PublishRetained(r.cfg.StatusTopic, payload)
}

// Start begins periodic reporting, with one report immediately.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.reportLoop(ctx)
}

// Stop ends reporting and publishes a final stopping status.
// Safe to call multiple times.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		snap := r.Collect(context.Background())
		snap.Status, snap.Reason = StatusStopping, "shutdown"
		//nolint:errcheck // Best-effort during shutdown
		r.publish(snap)
	})
}

func (r *Reporter) reportLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.Report(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.Report(ctx)
		}
	}
}
