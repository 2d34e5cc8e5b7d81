package api

import (
	"net/http"
	"net/url"

	"github.com/Pycube-FP/Pycube-MDM/internal/audit"
)

// parseAlertFilter reads the shared alert query parameters. The returned
// message is non-empty when a parameter is invalid.
func parseAlertFilter(q url.Values) (audit.AlertFilter, string) {
	var (
		f   audit.AlertFilter
		err error
	)
	f.DeviceID = q.Get("device_id")
	f.HospitalID = q.Get("hospital_id")
	f.LocationID = q.Get("location_id")

	if f.NewStatus, err = queryStatus(q, "status"); err != nil {
		return f, err.Error()
	}
	if f.Trigger, err = queryTrigger(q, "trigger"); err != nil {
		return f, err.Error()
	}
	if f.Since, err = queryTime(q, "since"); err != nil {
		return f, err.Error()
	}
	if f.Until, err = queryTime(q, "until"); err != nil {
		return f, err.Error()
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Until.After(f.Since) {
		return f, "until must be after since"
	}
	if f.Limit, err = queryInt(q, "limit"); err != nil {
		return f, err.Error()
	}
	if f.Offset, err = queryInt(q, "offset"); err != nil {
		return f, err.Error()
	}
	return f, ""
}

// handleListAlerts returns paginated alerts, most recent first.
//
// Query parameters:
//   - device_id, hospital_id, location_id: exact match
//   - status: new status of the transition
//   - trigger: sighting or sweep
//   - since, until: RFC 3339 bounds on observed time
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, msg := parseAlertFilter(r.URL.Query())
	if msg != "" {
		writeValidationError(w, msg)
		return
	}

	result, err := s.audit.ListAlerts(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list alerts", "error", err)
		writeInternalError(w, "failed to list alerts")
		return
	}

	s.localiseAlerts(result.Alerts)
	writeJSON(w, http.StatusOK, result)
}

// handleAlertCounts returns alert counts grouped by new status. The status
// parameter is ignored so every status is always present.
func (s *Server) handleAlertCounts(w http.ResponseWriter, r *http.Request) {
	filter, msg := parseAlertFilter(r.URL.Query())
	if msg != "" {
		writeValidationError(w, msg)
		return
	}

	counts, err := s.audit.AlertStatusCounts(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to count alerts", "error", err)
		writeInternalError(w, "failed to count alerts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

// handleListSightings returns paginated raw sightings, most recent first.
//
// Query parameters:
//   - device_id, location_id: exact match
//   - since, until: RFC 3339 bounds on observed time
//   - limit, offset: pagination
func (s *Server) handleListSightings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		f   audit.SightingFilter
		err error
	)
	f.DeviceID = q.Get("device_id")
	f.LocationID = q.Get("location_id")
	if f.Since, err = queryTime(q, "since"); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	if f.Until, err = queryTime(q, "until"); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	if f.Limit, err = queryInt(q, "limit"); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if f.Offset, err = queryInt(q, "offset"); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	result, err := s.audit.ListSightings(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list sightings", "error", err)
		writeInternalError(w, "failed to list sightings")
		return
	}

	s.localiseSightings(result.Sightings)
	writeJSON(w, http.StatusOK, result)
}
