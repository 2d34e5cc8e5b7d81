// Package reader resolves RFID reader antennas to locations.
//
// Readers are provisioned by the administrative system; this package only
// reads them. A sighting from an unregistered (code, antenna) pair is
// filtered before it reaches the state machine. No implicit registration
// happens here.
package reader

import (
	"time"
)

// Operational statuses. Only Active readers resolve.
const (
	StatusActive      = "Active"
	StatusInactive    = "Inactive"
	StatusMaintenance = "Maintenance"
)

// Reader is one antenna port of a physical RFID unit, bound to a location.
type Reader struct {
	ID            string     `json:"id"`
	Code          string     `json:"readerCode"`
	Antenna       int        `json:"antennaNumber"`
	Name          string     `json:"name,omitempty"`
	LocationID    string     `json:"locationId"`
	HospitalID    string     `json:"hospitalId"`
	Status        string     `json:"status"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

// Key is the composite identity of a reader antenna.
type Key struct {
	Code    string
	Antenna int
}

// Key returns the reader's composite key.
func (r *Reader) Key() Key {
	return Key{Code: r.Code, Antenna: r.Antenna}
}

// Active reports whether the reader is operational.
func (r *Reader) Active() bool {
	return r.Status == StatusActive
}

// Resolution is what the sighting processor needs from a reader.
type Resolution struct {
	ReaderID   string
	LocationID string
	HospitalID string
}
