package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang for the sighting feed.
//
// It owns one durable, mutually authenticated broker session. The first
// connection is retried in the background with exponential backoff; after
// that paho's auto-reconnect takes over. Subscriptions are tracked and
// restored on every (re)connect.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig

	// subscriptions tracks active subscriptions for re-subscription on reconnect.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	// connected tracks current connection state.
	connected bool
	connMu    sync.RWMutex

	connects         atomic.Uint64
	connectionLosses atomic.Uint64
	messages         atomic.Uint64
	lastMessageAt    atomic.Int64 // unix nanos, 0 when none

	// Callbacks for connection events (optional, set via SetOnConnect/SetOnDisconnect).
	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex

	initialInterval time.Duration
	maxInterval     time.Duration

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
}

// Logger interface for optional logging support.
// Compatible with logging.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Stats is a snapshot of connection liveness.
type Stats struct {
	Connected        bool       `json:"connected"`
	Connects         uint64     `json:"connects"`
	ConnectionLosses uint64     `json:"connectionLosses"`
	MessagesReceived uint64     `json:"messagesReceived"`
	LastMessageAt    *time.Time `json:"lastMessageAt"`
}

// New builds a client from configuration without connecting.
// It fails only on invalid TLS material.
func New(cfg config.MQTTConfig) (*Client, error) {
	opts, err := buildClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	c := newClient(cfg, opts)
	c.client = pahomqtt.NewClient(opts)
	return c, nil
}

// newClient wires callbacks into opts. The caller sets c.client.
func newClient(cfg config.MQTTConfig, opts *pahomqtt.ClientOptions) *Client {
	c := &Client{
		cfg:           cfg,
		options:       opts,
		subscriptions: make(map[string]subscription),
		logger:        noopLogger{},

		initialInterval: initialDelay(cfg),
		maxInterval:     maxDelay(cfg),
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.getLogger().Info("mqtt reconnecting")
	})

	return c
}

// Start launches the background connect loop. It returns immediately; a
// broker that is down at startup is retried until ctx is cancelled or
// Close is called.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		c.loopCancel = cancel
		c.loopDone = make(chan struct{})
		go c.connectLoop(loopCtx)
	})
}

func (c *Client) connectLoop(ctx context.Context) {
	defer close(c.loopDone)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		return c.Connect()
	}
	notify := func(err error, wait time.Duration) {
		c.getLogger().Warn("mqtt connect failed, retrying",
			"attempt", attempt,
			"retry_in", wait.String(),
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return
	}
	c.getLogger().Info("mqtt connected",
		"broker", fmt.Sprintf("%s:%d", c.cfg.Broker.Host, c.cfg.Broker.Port),
		"client_id", c.cfg.Broker.ClientID,
		"attempts", attempt,
	)
}

// Connect makes one connection attempt, bounded by the connect timeout.
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnectHandler callback runs asynchronously and may not have
	// executed yet, so set the state here too.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
	return nil
}

// handleConnect is called when the connection is established.
func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
	c.connects.Add(1)

	c.restoreSubscriptions()
	c.publishStatus("online", "")

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// handleDisconnect is called when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	c.connectionLosses.Add(1)

	c.getLogger().Warn("mqtt connection lost", "error", err)

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// restoreSubscriptions re-subscribes to all tracked topics after reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		token := c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
		go func(topic string) {
			if token.WaitTimeout(defaultPublishTimeout) && token.Error() != nil {
				c.getLogger().Error("mqtt resubscribe failed", "topic", topic, "error", token.Error())
			}
		}(sub.topic)
	}
}

// publishStatus publishes the engine's retained status, if a status topic
// is configured. Failures are ignored; the will covers crashes.
func (c *Client) publishStatus(status, reason string) pahomqtt.Token {
	if c.cfg.StatusTopic == "" {
		return nil
	}
	payload := buildStatusPayload(status, c.cfg.Broker.ClientID, reason)
	return c.client.Publish(c.cfg.StatusTopic, 1, true, payload)
}

// Close stops the connect loop and disconnects from the broker.
//
// It performs:
//  1. Cancels any pending connect attempt
//  2. Publishes graceful offline status (different from LWT crash status)
//  3. Disconnects with a quiesce period for pending operations
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.stopOnce.Do(func() {
		if c.loopCancel != nil {
			c.loopCancel()
			<-c.loopDone
		}

		if c.IsConnected() {
			if token := c.publishStatus("offline", "graceful_shutdown"); token != nil {
				token.WaitTimeout(defaultPublishTimeout)
			}
		}

		c.client.Disconnect(defaultDisconnectQuiesce)

		c.connMu.Lock()
		c.connected = false
		c.connMu.Unlock()
	})

	return nil
}

// HealthCheck reports whether the broker connection is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Stats returns a liveness snapshot.
func (c *Client) Stats() Stats {
	s := Stats{
		Connected:        c.IsConnected(),
		Connects:         c.connects.Load(),
		ConnectionLosses: c.connectionLosses.Load(),
		MessagesReceived: c.messages.Load(),
	}
	if ns := c.lastMessageAt.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastMessageAt = &t
	}
	return s
}

// SetOnConnect sets a callback to be invoked when connection is established.
// This is called on initial connect and on every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback to be invoked when connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger. A nil logger discards output.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}
