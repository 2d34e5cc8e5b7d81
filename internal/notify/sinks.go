package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/influxdb"
)

// Publisher is the MQTT publish capability used by MQTTSink.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTSink publishes each event as JSON on a topic at QoS 1.
type MQTTSink struct {
	pub   Publisher
	topic string
}

// NewMQTTSink creates an MQTT sink.
func NewMQTTSink(pub Publisher, topic string) *MQTTSink {
	return &MQTTSink{pub: pub, topic: topic}
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Notify implements Sink.
func (s *MQTTSink) Notify(_ context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return s.pub.Publish(s.topic, payload, 1, false)
}

// StreamAppender is the Redis stream capability used by RedisStreamSink.
type StreamAppender interface {
	XAddJSON(ctx context.Context, stream, event string, maxLen int64, data any) (string, error)
}

// RedisStreamSink appends each event to a Redis stream, trimmed to an
// approximate maximum length.
type RedisStreamSink struct {
	client StreamAppender
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a Redis stream sink.
func NewRedisStreamSink(client StreamAppender, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Name implements Sink.
func (s *RedisStreamSink) Name() string { return "redis" }

// Notify implements Sink.
func (s *RedisStreamSink) Notify(ctx context.Context, evt Event) error {
	_, err := s.client.XAddJSON(ctx, s.stream, evt.Type, s.maxLen, evt)
	return err
}

// PointWriter is the time-series capability used by InfluxSink.
type PointWriter interface {
	WriteTransition(t influxdb.Transition)
	WriteSighting(s influxdb.Sighting)
}

// InfluxSink writes a transition point and, for sightings, a sighting point.
type InfluxSink struct {
	w PointWriter
}

// NewInfluxSink creates an InfluxDB sink.
func NewInfluxSink(w PointWriter) *InfluxSink {
	return &InfluxSink{w: w}
}

// Name implements Sink.
func (s *InfluxSink) Name() string { return "influxdb" }

// Notify implements Sink. Writes are batched by the client and never fail here.
func (s *InfluxSink) Notify(_ context.Context, evt Event) error {
	a := evt.Alert
	s.w.WriteTransition(influxdb.Transition{
		DeviceID:   a.DeviceID,
		HospitalID: a.HospitalID,
		LocationID: a.LocationID,
		From:       string(a.PreviousStatus),
		To:         string(a.NewStatus),
		Trigger:    string(a.Trigger),
		At:         a.ObservedAt,
	})

	if sg := evt.Sighting; sg != nil {
		s.w.WriteSighting(influxdb.Sighting{
			DeviceID:   sg.DeviceID,
			Tag:        sg.Tag,
			ReaderCode: sg.ReaderCode,
			Antenna:    sg.AntennaNumber,
			LocationID: sg.LocationID,
			At:         sg.ObservedAt,
		})
	}
	return nil
}
