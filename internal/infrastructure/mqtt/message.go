package mqtt

import (
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message is one delivery from the broker.
//
// Automatic acknowledgement is disabled: the broker keeps a QoS 1 message
// until Ack is called. A message that is never acked is redelivered on the
// next session.
type Message struct {
	Topic      string
	Payload    []byte
	Duplicate  bool
	ReceivedAt time.Time

	raw  pahomqtt.Message
	once sync.Once
}

// NewMessage wraps a payload that did not come from a broker. Ack is a no-op.
func NewMessage(topic string, payload []byte, receivedAt time.Time) *Message {
	return &Message{Topic: topic, Payload: payload, ReceivedAt: receivedAt}
}

// Ack acknowledges the delivery. Safe to call more than once.
func (m *Message) Ack() {
	if m == nil || m.raw == nil {
		return
	}
	m.once.Do(m.raw.Ack)
}

// MessageHandler is the callback signature for received messages.
//
// With OrderMatters, handlers run sequentially on paho's router goroutine
// and must not block. A handler that hands the message off keeps
// responsibility for calling Ack. A returned error is logged and leaves the
// message unacked.
type MessageHandler func(msg *Message) error

// wrapHandler wraps a MessageHandler with panic recovery, counters and logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, raw pahomqtt.Message) {
		now := time.Now()
		c.messages.Add(1)
		c.lastMessageAt.Store(now.UnixNano())

		defer func() {
			if r := recover(); r != nil {
				c.getLogger().Error("mqtt handler panic recovered",
					"topic", raw.Topic(),
					"panic", r,
				)
			}
		}()

		msg := &Message{
			Topic:      raw.Topic(),
			Payload:    raw.Payload(),
			Duplicate:  raw.Duplicate(),
			ReceivedAt: now,
			raw:        raw,
		}
		if err := handler(msg); err != nil {
			c.getLogger().Warn("mqtt handler returned error",
				"topic", raw.Topic(),
				"error", err,
			)
		}
	}
}
