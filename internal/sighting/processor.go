package sighting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/Pycube-FP/Pycube-MDM/internal/audit"
	"github.com/Pycube-FP/Pycube-MDM/internal/dedup"
	"github.com/Pycube-FP/Pycube-MDM/internal/device"
	"github.com/Pycube-FP/Pycube-MDM/internal/notify"
	"github.com/Pycube-FP/Pycube-MDM/internal/presence"
	"github.com/Pycube-FP/Pycube-MDM/internal/reader"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("sighting: queue full")

	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("sighting: processor stopped")
)

const (
	defaultQueueSize  = 1024
	defaultOpTimeout  = 10 * time.Second
	defaultRetryDelay = 200 * time.Millisecond

	// maxDecideAttempts bounds re-read and re-decide after a stale status.
	maxDecideAttempts = 3
)

// Outcome is what happened to one message.
type Outcome string

// Message outcomes.
const (
	Applied       Outcome = "applied"
	Malformed     Outcome = "malformed"
	UnknownReader Outcome = "unknown_reader"
	UnknownDevice Outcome = "unknown_device"
	Duplicate     Outcome = "duplicate"
	Failed        Outcome = "failed"
)

// Delivery is one message handed over by the transport. Ack is called once
// the processor has finished with it, whatever the outcome.
type Delivery struct {
	Payload    []byte
	ReceivedAt time.Time
	Ack        func()
}

// ReaderResolver resolves (reader code, antenna) to a location.
type ReaderResolver interface {
	Resolve(ctx context.Context, code string, antenna int) (reader.Resolution, error)
}

// DeviceFinder reads device state.
type DeviceFinder interface {
	FindByTag(ctx context.Context, tag string) (*device.Device, error)
	GetByID(ctx context.Context, id string) (*device.Device, error)
}

// TransitionStore applies a decided transition atomically.
type TransitionStore interface {
	ApplyTransition(ctx context.Context, c audit.Change) (*audit.Result, error)
}

// Logger is the logging interface used by the processor.
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

// Config tunes a Processor. Zero values take defaults.
type Config struct {
	QueueSize int

	// EnqueueWait is how long Enqueue waits for room in a full queue before
	// refusing. Zero refuses immediately.
	EnqueueWait time.Duration

	// OpTimeout bounds the storage work for one message. It is independent
	// of the shutdown signal so an in-flight message can finish.
	OpTimeout time.Duration

	// RetryDelay is the pause before the single persistence retry.
	RetryDelay time.Duration

	// DedupPerReader keys duplicate suppression by tag and reader rather
	// than by tag alone.
	DedupPerReader bool
}

// Stats counts processed messages by outcome.
type Stats struct {
	Received      uint64 `json:"received"`
	Applied       uint64 `json:"applied"`
	Malformed     uint64 `json:"malformed"`
	UnknownReader uint64 `json:"unknownReader"`
	UnknownDevice uint64 `json:"unknownDevice"`
	Duplicate     uint64 `json:"duplicate"`
	Failed        uint64 `json:"failed"`
	Conflicts     uint64 `json:"conflicts"`
	QueueFull     uint64 `json:"queueFull"`
	QueueDepth    int    `json:"queueDepth"`
	QueueCapacity int    `json:"queueCapacity"`
}

// Processor consumes deliveries on a single goroutine.
type Processor struct {
	readers  ReaderResolver
	devices  DeviceFinder
	store    TransitionStore
	notifier notify.Notifier
	dedup    dedup.Suppressor

	cfg    Config
	logger Logger
	now    func() time.Time

	queue chan Delivery

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	received      atomic.Uint64
	applied       atomic.Uint64
	malformed     atomic.Uint64
	unknownReader atomic.Uint64
	unknownDevice atomic.Uint64
	duplicate     atomic.Uint64
	failed        atomic.Uint64
	conflicts     atomic.Uint64
	queueFull     atomic.Uint64
}

// NewProcessor creates a processor. notifier and suppressor may be nil.
func NewProcessor(readers ReaderResolver, devices DeviceFinder, store TransitionStore, cfg Config) *Processor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	return &Processor{
		readers: readers,
		devices: devices,
		store:   store,
		cfg:     cfg,
		logger:  noopLogger{},
		now:     time.Now,
		queue:   make(chan Delivery, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// SetLogger sets the logger.
func (p *Processor) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// SetNotifier sets where committed transitions are announced.
func (p *Processor) SetNotifier(n notify.Notifier) {
	p.notifier = n
}

// SetSuppressor enables duplicate suppression.
func (p *Processor) SetSuppressor(s dedup.Suppressor) {
	p.dedup = s
}

// Enqueue hands a delivery to the consumer. When the queue is full it waits
// up to EnqueueWait for room. On error the delivery is not acked.
func (p *Processor) Enqueue(d Delivery) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}

	select {
	case p.queue <- d:
		return nil
	default:
	}

	if p.cfg.EnqueueWait <= 0 {
		p.queueFull.Add(1)
		return ErrQueueFull
	}

	timer := time.NewTimer(p.cfg.EnqueueWait)
	defer timer.Stop()

	select {
	case p.queue <- d:
		return nil
	case <-p.done:
		return ErrStopped
	case <-timer.C:
		p.queueFull.Add(1)
		return ErrQueueFull
	}
}

// Start launches the consumer goroutine. It stops on Stop or when ctx is
// cancelled.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case d := <-p.queue:
				select {
				case <-p.done:
					// Stopped while waiting; leave it unacked for redelivery.
					return
				default:
				}
				p.process(d)
			}
		}
	}()
}

// Stop stops accepting deliveries, lets the in-flight one finish and joins
// the consumer. Queued deliveries are left unacked. Safe to call more than once.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

// QueueDepth returns the number of queued deliveries.
func (p *Processor) QueueDepth() int {
	return len(p.queue)
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Received:      p.received.Load(),
		Applied:       p.applied.Load(),
		Malformed:     p.malformed.Load(),
		UnknownReader: p.unknownReader.Load(),
		UnknownDevice: p.unknownDevice.Load(),
		Duplicate:     p.duplicate.Load(),
		Failed:        p.failed.Load(),
		Conflicts:     p.conflicts.Load(),
		QueueFull:     p.queueFull.Load(),
		QueueDepth:    len(p.queue),
		QueueCapacity: cap(p.queue),
	}
}

func (p *Processor) process(d Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.OpTimeout)
	defer cancel()

	p.Handle(ctx, d.Payload, d.ReceivedAt) //nolint:errcheck // outcome is logged and counted
	if d.Ack != nil {
		d.Ack()
	}
}

// Handle runs the full pipeline for one payload and returns its outcome.
// The error explains any outcome other than Applied.
func (p *Processor) Handle(ctx context.Context, payload []byte, receivedAt time.Time) (Outcome, error) {
	p.received.Add(1)

	msg, err := ParseMessage(payload, receivedAt)
	if err != nil {
		p.malformed.Add(1)
		p.logger.Warn("dropping malformed sighting", "error", err, "payload_bytes", len(payload))
		return Malformed, err
	}

	var res reader.Resolution
	err = p.withRetry(ctx, func() error {
		var rerr error
		res, rerr = p.readers.Resolve(ctx, msg.ReaderCode, msg.Antenna)
		return rerr
	})
	if err != nil {
		if errors.Is(err, reader.ErrReaderNotFound) {
			p.unknownReader.Add(1)
			p.logger.Info("ignoring sighting from unknown reader",
				"reader_code", msg.ReaderCode,
				"antenna", msg.Antenna,
			)
			return UnknownReader, err
		}
		return p.fail(msg, "resolving reader", err)
	}

	var dev *device.Device
	err = p.withRetry(ctx, func() error {
		var derr error
		dev, derr = p.devices.FindByTag(ctx, msg.Tag)
		return derr
	})
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			p.unknownDevice.Add(1)
			p.logger.Warn("dropping sighting for unknown device",
				"tag", msg.Tag,
				"reader_code", msg.ReaderCode,
			)
			return UnknownDevice, err
		}
		return p.fail(msg, "finding device", err)
	}

	if p.dedup != nil {
		key := dedup.Key(msg.Tag, msg.ReaderCode, msg.Antenna, p.cfg.DedupPerReader)
		seen, err := p.dedup.Seen(ctx, key)
		switch {
		case err != nil:
			p.logger.Warn("duplicate check failed, processing sighting", "tag", msg.Tag, "error", err)
		case seen:
			p.duplicate.Add(1)
			p.logger.Debug("suppressing duplicate sighting", "tag", msg.Tag, "reader_code", msg.ReaderCode)
			return Duplicate, nil
		}
	}

	result, err := p.apply(ctx, msg, res, dev)
	if err != nil {
		return p.fail(msg, "applying transition", err)
	}

	p.applied.Add(1)
	p.logger.Info("device status changed",
		"device_id", result.Alert.DeviceID,
		"tag", msg.Tag,
		"from", result.Alert.PreviousStatus,
		"to", result.Alert.NewStatus,
		"location_id", res.LocationID,
		"reader_id", res.ReaderID,
	)
	if p.notifier != nil {
		p.notifier.Notify(notify.NewEvent(result))
	}
	return Applied, nil
}

// apply decides and writes the transition, re-reading the device and
// deciding again when its status changed underneath us.
func (p *Processor) apply(ctx context.Context, msg Message, res reader.Resolution, dev *device.Device) (*audit.Result, error) {
	for attempt := 1; ; attempt++ {
		tr, err := presence.OnSighting(dev.Status, res.LocationID, p.now())
		if err != nil {
			return nil, err
		}

		change := audit.Change{
			DeviceID:   dev.ID,
			Transition: tr,
			ReaderID:   res.ReaderID,
			HospitalID: res.HospitalID,
			LocationID: res.LocationID,
			ObservedAt: msg.ObservedAt,
			Read: &audit.Read{
				Tag:           msg.Tag,
				ReaderCode:    msg.ReaderCode,
				AntennaNumber: msg.Antenna,
			},
		}

		var result *audit.Result
		err = p.withRetry(ctx, func() error {
			var aerr error
			result, aerr = p.store.ApplyTransition(ctx, change)
			return aerr
		})
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, audit.ErrStaleStatus) {
			return nil, err
		}

		p.conflicts.Add(1)
		if attempt >= maxDecideAttempts {
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		p.logger.Debug("device status changed concurrently, re-deciding",
			"device_id", dev.ID,
			"attempt", attempt,
		)

		err = p.withRetry(ctx, func() error {
			var derr error
			dev, derr = p.devices.GetByID(ctx, dev.ID)
			return derr
		})
		if err != nil {
			return nil, fmt.Errorf("re-reading device: %w", err)
		}
	}
}

func (p *Processor) fail(msg Message, stage string, err error) (Outcome, error) {
	p.failed.Add(1)
	p.logger.Error("sighting processing failed",
		"stage", stage,
		"tag", msg.Tag,
		"reader_code", msg.ReaderCode,
		"antenna", msg.Antenna,
		"error", err,
	)
	return Failed, fmt.Errorf("%s: %w", stage, err)
}

// withRetry runs op and retries a persistence failure once after
// RetryDelay. Domain outcomes are not retried.
func (p *Processor) withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.RetryDelay), 1), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		p.logger.Warn("persistence error, retrying", "error", err)
		return err
	}, b)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, audit.ErrStaleStatus),
		errors.Is(err, audit.ErrInvalidChange),
		errors.Is(err, reader.ErrReaderNotFound),
		errors.Is(err, reader.ErrInvalidKey),
		errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, device.ErrInvalidTag),
		errors.Is(err, presence.ErrInvalidStatus),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
