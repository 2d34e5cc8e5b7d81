package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database"
	"github.com/Pycube-FP/Pycube-MDM/internal/presence"
)

// Store persists transitions and serves the audit read accessors.
type Store struct {
	db  *database.DB
	now func() time.Time
}

// NewStore creates a store on an open database handle.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock replaces the recorded-at clock. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// ApplyTransition writes one decided transition atomically:
//
//  1. UPDATE devices ... WHERE id = ? AND status = From
//  2. INSERT the Alert
//  3. INSERT the Sighting, for sighting-triggered changes
//
// If the device is no longer in From, nothing is written and
// ErrStaleStatus is returned.
func (s *Store) ApplyTransition(ctx context.Context, c Change) (*Result, error) {
	if err := validateChange(c); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transition: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	tr := c.Transition
	at := tx.TimeValue(tr.At)

	var res sql.Result
	if tr.LocationChanged {
		res, err = tx.ExecContext(ctx, `
			UPDATE devices
			SET status = ?, location_id = ?, last_status_change_at = ?
			WHERE id = ? AND status = ?`,
			string(tr.To), nullableString(tr.LocationID), at, c.DeviceID, string(tr.From),
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE devices
			SET status = ?, last_status_change_at = ?
			WHERE id = ? AND status = ?`,
			string(tr.To), at, c.DeviceID, string(tr.From),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("updating device status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking device update: %w", err)
	}
	if n == 0 {
		return nil, ErrStaleStatus
	}

	recorded := s.now().UTC()
	observed := c.ObservedAt.UTC()
	if c.ObservedAt.IsZero() {
		observed = tr.At.UTC()
	}

	alert := Alert{
		ID:             uuid.NewString(),
		DeviceID:       c.DeviceID,
		HospitalID:     c.HospitalID,
		LocationID:     c.LocationID,
		PreviousStatus: tr.From,
		NewStatus:      tr.To,
		Trigger:        tr.Trigger,
		ObservedAt:     observed,
		RecordedAt:     recorded,
	}
	if c.ReaderID != "" {
		readerID := c.ReaderID
		alert.ReaderID = &readerID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (id, device_id, reader_id, hospital_id, location_id,
			previous_status, new_status, trigger_type, observed_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.DeviceID, nullableString(c.ReaderID),
		nullableString(alert.HospitalID), nullableString(alert.LocationID),
		string(alert.PreviousStatus), string(alert.NewStatus), string(alert.Trigger),
		tx.TimeValue(alert.ObservedAt), tx.TimeValue(alert.RecordedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting alert: %w", err)
	}

	result := &Result{Alert: alert}

	if c.Read != nil {
		sighting := Sighting{
			ID:            uuid.NewString(),
			DeviceID:      c.DeviceID,
			Tag:           c.Read.Tag,
			ReaderCode:    c.Read.ReaderCode,
			AntennaNumber: c.Read.AntennaNumber,
			LocationID:    c.LocationID,
			ObservedAt:    observed,
			RecordedAt:    recorded,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sightings (id, device_id, tag, reader_code, antenna_number,
				location_id, observed_at, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sighting.ID, sighting.DeviceID, sighting.Tag, sighting.ReaderCode,
			sighting.AntennaNumber, sighting.LocationID,
			tx.TimeValue(sighting.ObservedAt), tx.TimeValue(sighting.RecordedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("inserting sighting: %w", err)
		}
		result.Sighting = &sighting
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transition: %w", err)
	}
	return result, nil
}

func validateChange(c Change) error {
	tr := c.Transition
	switch {
	case c.DeviceID == "":
		return fmt.Errorf("%w: missing device id", ErrInvalidChange)
	case !tr.From.Valid() || !tr.To.Valid():
		return fmt.Errorf("%w: %w", ErrInvalidChange, presence.ErrInvalidStatus)
	case tr.From == tr.To:
		return fmt.Errorf("%w: %s to itself", ErrInvalidChange, tr.From)
	case !tr.Trigger.Valid():
		return fmt.Errorf("%w: unknown trigger %q", ErrInvalidChange, tr.Trigger)
	case tr.At.IsZero():
		return fmt.Errorf("%w: missing change time", ErrInvalidChange)
	case tr.Trigger == presence.TriggerSighting && c.Read == nil:
		return fmt.Errorf("%w: sighting change without a read", ErrInvalidChange)
	case tr.Trigger == presence.TriggerSighting && c.ReaderID == "":
		return fmt.Errorf("%w: sighting change without a reader", ErrInvalidChange)
	case tr.Trigger == presence.TriggerSweep && c.Read != nil:
		return fmt.Errorf("%w: sweep change with a read", ErrInvalidChange)
	}
	return nil
}

// nullableString returns nil for empty strings, otherwise the string value.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
