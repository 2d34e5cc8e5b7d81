//go:build integration

package mqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/config"
)

// Integration tests against a real broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS:       1,
		KeepAlive: 10,
		Reconnect: config.MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 5},
	}
}

func requireBroker(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", time.Second)
	if err != nil {
		t.Skipf("no broker on 127.0.0.1:1883: %v", err)
	}
	conn.Close()
}

func startClient(t *testing.T, clientID string) *Client {
	t.Helper()
	c, err := New(integrationConfig(clientID))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.Start(context.Background())
	t.Cleanup(func() { c.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for !c.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("client did not connect")
		}
		time.Sleep(20 * time.Millisecond)
	}
	return c
}

func TestIntegration_RoundtripWithManualAck(t *testing.T) {
	requireBroker(t)

	sub := startClient(t, "presence-int-sub")
	pub := startClient(t, "presence-int-pub")

	topic := "presence/int/sightings"
	received := make(chan *Message, 1)
	if err := sub.Subscribe(topic, 1, func(msg *Message) error {
		msg.Ack()
		received <- msg
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	payload := []byte(`{"data":{"hostName":"RDR1","antenna":1,"idHex":"D-TAG-1"}}`)
	if err := pub.Publish(topic, payload, 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Payload) != string(payload) {
			t.Errorf("payload = %s, want %s", msg.Payload, payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	if got := sub.Stats().MessagesReceived; got != 1 {
		t.Errorf("MessagesReceived = %d, want 1", got)
	}
}
