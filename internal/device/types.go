package device

import (
	"time"

	"github.com/Pycube-FP/Pycube-MDM/internal/presence"
)

// Device is a tracked mobile device. Inventory CRUD is owned by the
// administrative system; the presence engine only changes Status,
// LocationID and LastStatusChangeAt, and only through a transition.
type Device struct {
	ID                 string          `json:"id"`
	Tag                string          `json:"tag"`
	Name               string          `json:"name,omitempty"`
	Status             presence.Status `json:"status"`
	LocationID         *string         `json:"locationId"`
	HospitalID         *string         `json:"hospitalId,omitempty"`
	LastStatusChangeAt time.Time       `json:"lastStatusChangeAt"`
}

// Location returns the current location ID, or "" when unset.
func (d *Device) Location() string {
	if d.LocationID == nil {
		return ""
	}
	return *d.LocationID
}

// Hospital returns the hospital ID, or "" when unset.
func (d *Device) Hospital() string {
	if d.HospitalID == nil {
		return ""
	}
	return *d.HospitalID
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Status     presence.Status
	HospitalID string
	LocationID string
	Limit      int
	Offset     int
}
