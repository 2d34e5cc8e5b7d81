package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementTransition = "presence_transition"
	MeasurementSighting   = "rfid_sighting"
)

// Transition is one committed status change.
type Transition struct {
	DeviceID   string
	HospitalID string
	LocationID string
	From       string
	To         string
	Trigger    string
	At         time.Time
}

// Sighting is one accepted RFID read.
type Sighting struct {
	DeviceID   string
	Tag        string
	ReaderCode string
	Antenna    int
	LocationID string
	At         time.Time
}

// WriteTransition records a transition point. Tags carry the low
// cardinality dimensions; device ID is a field.
func (c *Client) WriteTransition(t Transition) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(transitionPoint(t))
}

// WriteSighting records a sighting point.
func (c *Client) WriteSighting(s Sighting) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(sightingPoint(s))
}

func transitionPoint(t Transition) *write.Point {
	tags := map[string]string{
		"from":    t.From,
		"to":      t.To,
		"trigger": t.Trigger,
	}
	if t.HospitalID != "" {
		tags["hospital_id"] = t.HospitalID
	}
	if t.LocationID != "" {
		tags["location_id"] = t.LocationID
	}

	return write.NewPoint(
		MeasurementTransition,
		tags,
		map[string]interface{}{
			"device_id": t.DeviceID,
			"count":     1,
		},
		t.At,
	)
}

func sightingPoint(s Sighting) *write.Point {
	return write.NewPoint(
		MeasurementSighting,
		map[string]string{
			"reader_code": s.ReaderCode,
			"location_id": s.LocationID,
		},
		map[string]interface{}{
			"device_id": s.DeviceID,
			"tag":       s.Tag,
			"antenna":   s.Antenna,
		},
		s.At,
	)
}
