// Package influxdb records presence activity as time series.
//
// Two measurements are written, both non-blocking and batched:
//   - presence_transition: one point per committed status change
//   - rfid_sighting: one point per accepted read
//
// Writes never block or fail the engine's write path. Batch failures are
// reported through SetOnError.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteTransition(influxdb.Transition{DeviceID: "dev-1", From: "InFacility", To: "TemporarilyOut", Trigger: "sighting", At: at})
package influxdb
