package reader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database"
)

// Repository is the read-only view of provisioned readers.
type Repository interface {
	// FindByCodeAndAntenna returns ErrReaderNotFound if the pair is not registered.
	FindByCodeAndAntenna(ctx context.Context, code string, antenna int) (*Reader, error)

	// List returns every registered reader.
	List(ctx context.Context) ([]Reader, error)
}

// SQLRepository implements Repository over the readers table.
type SQLRepository struct {
	db *database.DB
}

// NewSQLRepository creates a repository on an open database handle.
func NewSQLRepository(db *database.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const selectReader = `
	SELECT id, reader_code, antenna_number, name, location_id, hospital_id, status, last_heartbeat
	FROM readers`

// FindByCodeAndAntenna looks up one reader antenna.
func (r *SQLRepository) FindByCodeAndAntenna(ctx context.Context, code string, antenna int) (*Reader, error) {
	rd, err := scanReader(r.db.QueryRowContext(ctx,
		selectReader+` WHERE reader_code = ? AND antenna_number = ?`, code, antenna))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReaderNotFound
		}
		return nil, fmt.Errorf("querying reader %s/%d: %w", code, antenna, err)
	}
	return rd, nil
}

// List returns every registered reader ordered by code and antenna.
func (r *SQLRepository) List(ctx context.Context) ([]Reader, error) {
	rows, err := r.db.QueryContext(ctx, selectReader+` ORDER BY reader_code, antenna_number`)
	if err != nil {
		return nil, fmt.Errorf("querying readers: %w", err)
	}
	defer rows.Close()

	var readers []Reader
	for rows.Next() {
		rd, err := scanReader(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reader: %w", err)
		}
		readers = append(readers, *rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating readers: %w", err)
	}
	return readers, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReader(s scanner) (*Reader, error) {
	var (
		rd        Reader
		heartbeat database.Time
	)
	if err := s.Scan(&rd.ID, &rd.Code, &rd.Antenna, &rd.Name, &rd.LocationID, &rd.HospitalID, &rd.Status, &heartbeat); err != nil {
		return nil, err
	}
	rd.LastHeartbeat = heartbeat.Ptr()
	return &rd, nil
}
