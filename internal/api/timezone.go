package api

import (
	"github.com/Pycube-FP/Pycube-MDM/internal/audit"
	"github.com/Pycube-FP/Pycube-MDM/internal/device"
)

// Stored instants are UTC. These render them in the site timezone without
// changing the instant.

func (s *Server) localiseDevice(d *device.Device) {
	d.LastStatusChangeAt = d.LastStatusChangeAt.In(s.loc)
}

func (s *Server) localiseAlerts(alerts []audit.Alert) {
	for i := range alerts {
		alerts[i].ObservedAt = alerts[i].ObservedAt.In(s.loc)
		alerts[i].RecordedAt = alerts[i].RecordedAt.In(s.loc)
	}
}

func (s *Server) localiseSightings(sightings []audit.Sighting) {
	for i := range sightings {
		sightings[i].ObservedAt = sightings[i].ObservedAt.In(s.loc)
		sightings[i].RecordedAt = sightings[i].RecordedAt.In(s.loc)
	}
}
