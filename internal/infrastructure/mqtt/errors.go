package mqtt

import "errors"

var (
	// ErrNotConnected is returned by Publish and HealthCheck while the
	// connect loop is still retrying. Subscriptions are restored on connect.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed wraps a failed broker connect. The connect loop
	// logs it and backs off; it never stops the engine.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	ErrInvalidQoS   = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrTimeout is returned when the broker does not acknowledge a publish
	// in time.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrTLSConfig is returned when the CA bundle or client key pair for
	// mutual TLS cannot be loaded.
	ErrTLSConfig = errors.New("mqtt: invalid TLS configuration")
)
