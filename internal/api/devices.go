package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Pycube-FP/Pycube-MDM/internal/device"
)

// handleListDevices returns devices, optionally filtered.
//
// Query parameters:
//   - status: InFacility, TemporarilyOut or Missing
//   - hospital_id, location_id: exact match
//   - limit: max results (default 50, max 500)
//   - offset: pagination offset
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status, err := queryStatus(q, "status")
	if err != nil {
		writeValidationError(w, err.Error())
		return
	}
	limit, err := queryInt(q, "limit")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offset, err := queryInt(q, "offset")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	devices, err := s.devices.List(r.Context(), device.Filter{
		Status:     status,
		HospitalID: q.Get("hospital_id"),
		LocationID: q.Get("location_id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.logger.Error("failed to list devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	for i := range devices {
		s.localiseDevice(&devices[i])
	}
	if devices == nil {
		devices = []device.Device{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleDeviceCounts returns the number of devices in each status.
func (s *Server) handleDeviceCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.devices.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to count devices", "error", err)
		writeInternalError(w, "failed to count devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("failed to get device", "device_id", id, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}

	s.localiseDevice(dev)
	writeJSON(w, http.StatusOK, dev)
}

// handleDeviceHistory returns the recent sightings and alerts of a device.
//
// Query parameters:
//   - limit: max entries of each kind (default 50, max 200)
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit, err := queryInt(r.URL.Query(), "limit")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if _, err := s.devices.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("failed to get device", "device_id", id, "error", err)
		writeInternalError(w, "failed to get device history")
		return
	}

	history, err := s.audit.GetDeviceHistory(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to get device history", "device_id", id, "error", err)
		writeInternalError(w, "failed to get device history")
		return
	}

	s.localiseAlerts(history.Alerts)
	s.localiseSightings(history.Sightings)
	writeJSON(w, http.StatusOK, history)
}
