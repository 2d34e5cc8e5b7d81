// Package databasetest opens migrated in-memory databases and seeds the
// externally provisioned tables (readers, devices) for tests.
package databasetest

import (
	"context"
	"testing"
	"time"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database"
	_ "github.com/Pycube-FP/Pycube-MDM/migrations" // registers embedded migrations
)

// Open returns an in-memory SQLite database with the full schema applied.
// It is closed when the test ends.
func Open(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Driver:      string(database.SQLite),
		Path:        ":memory:",
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

// Reader is a readers row to seed.
type Reader struct {
	ID         string
	Code       string
	Antenna    int
	Name       string
	LocationID string
	HospitalID string
	Status     string
}

// InsertReader seeds a reader. Status defaults to Active.
func InsertReader(t testing.TB, db *database.DB, r Reader) {
	t.Helper()
	if r.Status == "" {
		r.Status = "Active"
	}
	now := db.TimeValue(time.Now())
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO readers (id, reader_code, antenna_number, name, location_id, hospital_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Code, r.Antenna, r.Name, r.LocationID, r.HospitalID, r.Status, now, now,
	)
	if err != nil {
		t.Fatalf("inserting reader %s: %v", r.ID, err)
	}
}

// Device is a devices row to seed.
type Device struct {
	ID                 string
	Tag                string
	Name               string
	Status             string
	LocationID         string
	HospitalID         string
	LastStatusChangeAt time.Time
}

// InsertDevice seeds a device. Status defaults to InFacility and the change
// time defaults to now.
func InsertDevice(t testing.TB, db *database.DB, d Device) {
	t.Helper()
	if d.Status == "" {
		d.Status = "InFacility"
	}
	if d.LastStatusChangeAt.IsZero() {
		d.LastStatusChangeAt = time.Now()
	}
	now := db.TimeValue(time.Now())
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO devices (id, tag, name, status, location_id, hospital_id, last_status_change_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Tag, d.Name, d.Status, nullable(d.LocationID), nullable(d.HospitalID),
		db.TimeValue(d.LastStatusChangeAt), now, now,
	)
	if err != nil {
		t.Fatalf("inserting device %s: %v", d.ID, err)
	}
}

// Count returns the number of rows in table.
func Count(t testing.TB, db *database.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
