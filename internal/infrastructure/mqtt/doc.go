// Package mqtt provides the broker connection that feeds RFID sightings
// into the presence engine.
//
// This package manages:
//   - One durable session (fixed client ID, persistent session, resumed
//     subscriptions) over mutually authenticated TLS
//   - Background initial connect with exponential backoff, then paho's
//     auto-reconnect
//   - Manual acknowledgement so a QoS 1 message is only released by the
//     broker once the engine has finished with it
//   - Publishing for transition events and the retained status topic
//   - Last Will and Testament for offline detection
//   - Connection statistics for health reporting
//
// # Delivery Semantics
//
// Handlers run in arrival order per connection. Delivery is at-least-once:
// a message that was processed but not acked before a disconnect is
// delivered again. There is no ordering guarantee across reconnects.
//
// # Usage
//
//	client, err := mqtt.New(cfg.MQTT)
//	if err != nil {
//	    return err // bad TLS material
//	}
//	client.SetLogger(log)
//	_ = client.Subscribe(cfg.MQTT.Topic, client.QoS(), func(msg *mqtt.Message) error {
//	    return processor.Enqueue(msg)
//	})
//	client.Start(ctx)
//	defer client.Close()
package mqtt
