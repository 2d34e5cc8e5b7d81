package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database"
	"github.com/Pycube-FP/Pycube-MDM/internal/presence"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Repository is the read side of the device inventory used by the engine
// and the dashboard accessors. Status writes go through the audit store's
// conditional transition, never through this interface.
type Repository interface {
	// FindByTag resolves an RFID tag. Returns ErrDeviceNotFound if unknown.
	FindByTag(ctx context.Context, tag string) (*Device, error)

	// GetByID returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// ListByStatus returns every device currently in status, oldest change first.
	ListByStatus(ctx context.Context, status presence.Status) ([]Device, error)

	// List returns a page of devices matching the filter.
	List(ctx context.Context, filter Filter) ([]Device, error)

	// CountByStatus returns the number of devices in each status.
	CountByStatus(ctx context.Context) (map[presence.Status]int, error)
}

// SQLRepository implements Repository over the devices table.
type SQLRepository struct {
	db *database.DB
}

// NewSQLRepository creates a repository on an open database handle.
func NewSQLRepository(db *database.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const selectDevice = `
	SELECT id, tag, name, status, location_id, hospital_id, last_status_change_at
	FROM devices`

// FindByTag resolves an RFID tag to its device. Tags compare
// case-insensitively, since readers and provisioning may disagree on hex case.
func (r *SQLRepository) FindByTag(ctx context.Context, tag string) (*Device, error) {
	if tag == "" {
		return nil, ErrInvalidTag
	}

	d, err := scanDevice(r.db.QueryRowContext(ctx, selectDevice+` WHERE UPPER(tag) = UPPER(?)`, tag))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by tag: %w", err)
	}
	return d, nil
}

// GetByID retrieves a device by its unique identifier.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, selectDevice+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// ListByStatus returns every device in status. The result is fully read
// before returning so callers may write while iterating it.
func (r *SQLRepository) ListByStatus(ctx context.Context, status presence.Status) ([]Device, error) {
	return r.queryDevices(ctx,
		selectDevice+` WHERE status = ? ORDER BY last_status_change_at, id`,
		string(status),
	)
}

// List returns a page of devices matching filter, ordered by tag.
func (r *SQLRepository) List(ctx context.Context, filter Filter) ([]Device, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.HospitalID != "" {
		where = append(where, "hospital_id = ?")
		args = append(args, filter.HospitalID)
	}
	if filter.LocationID != "" {
		where = append(where, "location_id = ?")
		args = append(args, filter.LocationID)
	}

	query := selectDevice
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY tag LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	return r.queryDevices(ctx, query, args...)
}

// CountByStatus returns device counts per status. Every known status is
// present in the result, with zero when no device holds it.
func (r *SQLRepository) CountByStatus(ctx context.Context) (map[presence.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM devices GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting devices: %w", err)
	}
	defer rows.Close()

	counts := make(map[presence.Status]int, 3)
	for _, s := range presence.Statuses() {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning device count: %w", err)
		}
		counts[presence.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device counts: %w", err)
	}
	return counts, nil
}

func (r *SQLRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*Device, error) {
	var (
		d          Device
		status     string
		locationID sql.NullString
		hospitalID sql.NullString
		changedAt  database.Time
	)
	if err := s.Scan(&d.ID, &d.Tag, &d.Name, &status, &locationID, &hospitalID, &changedAt); err != nil {
		return nil, err
	}

	parsed, err := presence.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", d.ID, err)
	}
	d.Status = parsed
	if locationID.Valid {
		d.LocationID = &locationID.String
	}
	if hospitalID.Valid {
		d.HospitalID = &hospitalID.String
	}
	d.LastStatusChangeAt = changedAt.Time
	return &d, nil
}
