// Package audit is the append-only record of presence: one Sighting per
// accepted RFID read and one Alert per status transition.
//
// It also owns the only write path for device status. ApplyTransition
// commits the conditional device update, the Alert and (for sightings)
// the Sighting in a single transaction, so a transition is either fully
// recorded or not at all.
//
// The read accessors (history, alert listing, alert counts) serve the
// dashboard and are not part of the engine's write path.
package audit

import (
	"errors"
	"time"

	"github.com/Pycube-FP/Pycube-MDM/internal/presence"
)

var (
	// ErrStaleStatus is returned when the device is no longer in the
	// transition's From status. Nothing was written; the caller should
	// re-read the device and decide again, or skip it.
	ErrStaleStatus = errors.New("audit: device status changed concurrently")

	// ErrInvalidChange is returned when a Change is incomplete or inconsistent.
	ErrInvalidChange = errors.New("audit: invalid change")
)

// Alert records exactly one presence-status transition.
type Alert struct {
	ID             string           `json:"id"`
	DeviceID       string           `json:"deviceId"`
	ReaderID       *string          `json:"readerId"`
	HospitalID     string           `json:"hospitalId"`
	LocationID     string           `json:"locationId"`
	PreviousStatus presence.Status  `json:"previousStatus"`
	NewStatus      presence.Status  `json:"newStatus"`
	Trigger        presence.Trigger `json:"trigger"`
	ObservedAt     time.Time        `json:"observedAt"`
	RecordedAt     time.Time        `json:"recordedAt"`
}

// Sighting records one accepted RFID read.
type Sighting struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"deviceId"`
	Tag           string    `json:"tag"`
	ReaderCode    string    `json:"readerCode"`
	AntennaNumber int       `json:"antennaNumber"`
	LocationID    string    `json:"locationId"`
	ObservedAt    time.Time `json:"observedAt"`
	RecordedAt    time.Time `json:"recordedAt"`
}

// Read describes the physical read behind a sighting-triggered change.
type Read struct {
	Tag           string
	ReaderCode    string
	AntennaNumber int
}

// Change is one decided transition to persist.
type Change struct {
	DeviceID   string
	Transition presence.Transition

	// ReaderID is empty for sweep-triggered changes.
	ReaderID   string
	HospitalID string

	// LocationID is recorded on the alert. For a sighting it is the
	// reader's location; for a sweep it is the device's current location.
	LocationID string

	// ObservedAt is when the read happened, or when the sweep ran.
	ObservedAt time.Time

	// Read must be set for sighting-triggered changes and nil for sweeps.
	Read *Read
}

// Result is what a committed change wrote.
type Result struct {
	Alert    Alert
	Sighting *Sighting
}

// AlertFilter controls which alerts to return. Zero values mean "any".
type AlertFilter struct {
	DeviceID   string
	HospitalID string
	LocationID string
	NewStatus  presence.Status
	Trigger    presence.Trigger
	Since      time.Time // inclusive, on observed time
	Until      time.Time // exclusive, on observed time
	Limit      int       // default 50, max 200
	Offset     int
}

// AlertList is a page of alerts, most recent first.
type AlertList struct {
	Alerts []Alert `json:"alerts"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// SightingFilter controls which sightings to return. Zero values mean "any".
type SightingFilter struct {
	DeviceID   string
	LocationID string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// SightingList is a page of sightings, most recent first.
type SightingList struct {
	Sightings []Sighting `json:"sightings"`
	Total     int        `json:"total"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}

// DeviceHistory is the recent audit trail of one device.
type DeviceHistory struct {
	DeviceID  string     `json:"deviceId"`
	Sightings []Sighting `json:"sightings"`
	Alerts    []Alert    `json:"alerts"`
}
