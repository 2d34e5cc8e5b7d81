package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database"
	"github.com/Pycube-FP/Pycube-MDM/internal/presence"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

const selectAlert = `
	SELECT id, device_id, reader_id, hospital_id, location_id,
		previous_status, new_status, trigger_type, observed_at, recorded_at
	FROM alerts`

const selectSighting = `
	SELECT id, device_id, tag, reader_code, antenna_number, location_id,
		observed_at, recorded_at
	FROM sightings`

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Store) alertWhere(filter AlertFilter, withStatus bool) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.HospitalID != "" {
		where = append(where, "hospital_id = ?")
		args = append(args, filter.HospitalID)
	}
	if filter.LocationID != "" {
		where = append(where, "location_id = ?")
		args = append(args, filter.LocationID)
	}
	if withStatus && filter.NewStatus != "" {
		where = append(where, "new_status = ?")
		args = append(args, string(filter.NewStatus))
	}
	if filter.Trigger != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.Trigger))
	}
	if !filter.Since.IsZero() {
		where = append(where, "observed_at >= ?")
		args = append(args, s.db.TimeValue(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "observed_at < ?")
		args = append(args, s.db.TimeValue(filter.Until))
	}

	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// ListAlerts returns a page of alerts matching filter, most recent first,
// with the total count of matching alerts.
func (s *Store) ListAlerts(ctx context.Context, filter AlertFilter) (*AlertList, error) {
	limit, offset := clampPage(filter.Limit, filter.Offset)
	whereClause, args := s.alertWhere(filter, true)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts"+whereClause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting alerts: %w", err)
	}

	query := selectAlert + whereClause + " ORDER BY recorded_at DESC, id DESC LIMIT ? OFFSET ?"
	alerts, err := s.queryAlerts(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []Alert{}
	}

	return &AlertList{Alerts: alerts, Total: total, Limit: limit, Offset: offset}, nil
}

// AlertStatusCounts returns the number of matching alerts per new status.
// Every known status is present, with zero when no alert matches. The
// filter's NewStatus, Limit and Offset are ignored.
func (s *Store) AlertStatusCounts(ctx context.Context, filter AlertFilter) (map[presence.Status]int, error) {
	whereClause, args := s.alertWhere(filter, false)

	rows, err := s.db.QueryContext(ctx,
		"SELECT new_status, COUNT(*) FROM alerts"+whereClause+" GROUP BY new_status", args...)
	if err != nil {
		return nil, fmt.Errorf("counting alerts by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[presence.Status]int, 3)
	for _, st := range presence.Statuses() {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning alert count: %w", err)
		}
		counts[presence.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alert counts: %w", err)
	}
	return counts, nil
}

// ListSightings returns a page of sightings matching filter, most recent first.
func (s *Store) ListSightings(ctx context.Context, filter SightingFilter) (*SightingList, error) {
	limit, offset := clampPage(filter.Limit, filter.Offset)

	var (
		where []string
		args  []any
	)
	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.LocationID != "" {
		where = append(where, "location_id = ?")
		args = append(args, filter.LocationID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "observed_at >= ?")
		args = append(args, s.db.TimeValue(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "observed_at < ?")
		args = append(args, s.db.TimeValue(filter.Until))
	}
	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sightings"+whereClause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting sightings: %w", err)
	}

	query := selectSighting + whereClause + " ORDER BY observed_at DESC, id DESC LIMIT ? OFFSET ?"
	sightings, err := s.querySightings(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	if sightings == nil {
		sightings = []Sighting{}
	}

	return &SightingList{Sightings: sightings, Total: total, Limit: limit, Offset: offset}, nil
}

// GetDeviceHistory returns the most recent sightings and alerts of a device,
// newest first, up to limit of each. An unknown device yields empty lists.
func (s *Store) GetDeviceHistory(ctx context.Context, deviceID string, limit int) (*DeviceHistory, error) {
	limit, _ = clampPage(limit, 0)

	sightings, err := s.querySightings(ctx,
		selectSighting+" WHERE device_id = ? ORDER BY observed_at DESC, id DESC LIMIT ?",
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	alerts, err := s.queryAlerts(ctx,
		selectAlert+" WHERE device_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?",
		deviceID, limit)
	if err != nil {
		return nil, err
	}

	if sightings == nil {
		sightings = []Sighting{}
	}
	if alerts == nil {
		alerts = []Alert{}
	}
	return &DeviceHistory{DeviceID: deviceID, Sightings: sightings, Alerts: alerts}, nil
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...any) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var (
			a          Alert
			readerID   sql.NullString
			hospitalID sql.NullString
			locationID sql.NullString
			prev, next string
			trigger    string
			observed   database.Time
			recorded   database.Time
		)
		if err := rows.Scan(&a.ID, &a.DeviceID, &readerID, &hospitalID, &locationID,
			&prev, &next, &trigger, &observed, &recorded); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		if readerID.Valid {
			a.ReaderID = &readerID.String
		}
		a.HospitalID = hospitalID.String
		a.LocationID = locationID.String
		a.PreviousStatus = presence.Status(prev)
		a.NewStatus = presence.Status(next)
		a.Trigger = presence.Trigger(trigger)
		a.ObservedAt = observed.Time
		a.RecordedAt = recorded.Time
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alerts: %w", err)
	}
	return alerts, nil
}

func (s *Store) querySightings(ctx context.Context, query string, args ...any) ([]Sighting, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sightings: %w", err)
	}
	defer rows.Close()

	var sightings []Sighting
	for rows.Next() {
		var (
			sg       Sighting
			observed database.Time
			recorded database.Time
		)
		if err := rows.Scan(&sg.ID, &sg.DeviceID, &sg.Tag, &sg.ReaderCode, &sg.AntennaNumber,
			&sg.LocationID, &observed, &recorded); err != nil {
			return nil, fmt.Errorf("scanning sighting: %w", err)
		}
		sg.ObservedAt = observed.Time
		sg.RecordedAt = recorded.Time
		sightings = append(sightings, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sightings: %w", err)
	}
	return sightings, nil
}
