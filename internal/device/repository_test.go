package device

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database/databasetest"
	"github.com/Pycube-FP/Pycube-MDM/internal/presence"
)

func seed(t *testing.T) *SQLRepository {
	t.Helper()
	db := databasetest.Open(t)
	base := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	databasetest.InsertDevice(t, db, databasetest.Device{ID: "dev-1", Tag: "D-TAG-1", LocationID: "L1", HospitalID: "H1", LastStatusChangeAt: base})
	databasetest.InsertDevice(t, db, databasetest.Device{ID: "dev-2", Tag: "D-TAG-2", Status: "TemporarilyOut", HospitalID: "H1", LastStatusChangeAt: base.Add(time.Minute)})
	databasetest.InsertDevice(t, db, databasetest.Device{ID: "dev-3", Tag: "D-TAG-3", Status: "TemporarilyOut", HospitalID: "H2", LastStatusChangeAt: base})
	databasetest.InsertDevice(t, db, databasetest.Device{ID: "dev-4", Tag: "D-TAG-4", Status: "Missing", LastStatusChangeAt: base})

	return NewSQLRepository(db)
}

func TestFindByTag(t *testing.T) {
	repo := seed(t)
	ctx := context.Background()

	d, err := repo.FindByTag(ctx, "D-TAG-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", d.ID)
	assert.Equal(t, presence.InFacility, d.Status)
	assert.Equal(t, "L1", d.Location())
	assert.Equal(t, "H1", d.Hospital())
	assert.True(t, d.LastStatusChangeAt.Equal(time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)))

	d, err = repo.FindByTag(ctx, "d-tag-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", d.ID)

	_, err = repo.FindByTag(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = repo.FindByTag(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidTag)
}

func TestGetByID(t *testing.T) {
	repo := seed(t)

	d, err := repo.GetByID(context.Background(), "dev-2")
	require.NoError(t, err)
	assert.Equal(t, "D-TAG-2", d.Tag)
	assert.Nil(t, d.LocationID)

	_, err = repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestListByStatus_OldestFirst(t *testing.T) {
	repo := seed(t)

	devices, err := repo.ListByStatus(context.Background(), presence.TemporarilyOut)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "dev-3", devices[0].ID)
	assert.Equal(t, "dev-2", devices[1].ID)
}

func TestList_Filters(t *testing.T) {
	repo := seed(t)
	ctx := context.Background()

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	h1, err := repo.List(ctx, Filter{HospitalID: "H1"})
	require.NoError(t, err)
	assert.Len(t, h1, 2)

	out, err := repo.List(ctx, Filter{Status: presence.TemporarilyOut, HospitalID: "H2"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "dev-3", out[0].ID)

	page, err := repo.List(ctx, Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "D-TAG-3", page[0].Tag)
}

func TestCountByStatus(t *testing.T) {
	repo := seed(t)

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[presence.Status]int{
		presence.InFacility:     1,
		presence.TemporarilyOut: 2,
		presence.Missing:        1,
	}, counts)
}

func TestCountByStatus_EmptyInventory(t *testing.T) {
	repo := NewSQLRepository(databasetest.Open(t))

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Len(t, counts, 3)
	assert.Zero(t, counts[presence.Missing])
}

func TestFindByTag_Postgres(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	changed := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM devices WHERE UPPER\(tag\) = UPPER\(\$1\)`).
		WithArgs("D-TAG-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tag", "name", "status", "location_id", "hospital_id", "last_status_change_at"}).
			AddRow("dev-1", "D-TAG-1", "Infusion pump", "Missing", "L1", nil, changed))

	repo := NewSQLRepository(database.New(sqlDB, database.Postgres))
	d, err := repo.FindByTag(context.Background(), "D-TAG-1")
	require.NoError(t, err)
	assert.Equal(t, presence.Missing, d.Status)
	assert.Nil(t, d.HospitalID)
	assert.True(t, d.LastStatusChangeAt.Equal(changed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanDevice_RejectsUnknownStatus(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery(`FROM devices WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tag", "name", "status", "location_id", "hospital_id", "last_status_change_at"}).
			AddRow("dev-1", "D-TAG-1", "", "Retired", nil, nil, time.Now()))

	repo := NewSQLRepository(database.New(sqlDB, database.Postgres))
	_, err = repo.GetByID(context.Background(), "dev-1")
	assert.ErrorIs(t, err, presence.ErrInvalidStatus)
}
