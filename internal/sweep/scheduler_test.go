package sweep

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pycube-FP/Pycube-MDM/internal/audit"
	"github.com/Pycube-FP/Pycube-MDM/internal/device"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database/databasetest"
	"github.com/Pycube-FP/Pycube-MDM/internal/notify"
	"github.com/Pycube-FP/Pycube-MDM/internal/presence"
)

type fixture struct {
	db      *database.DB
	devices *device.SQLRepository
	store   *audit.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := databasetest.Open(t)
	return &fixture{
		db:      db,
		devices: device.NewSQLRepository(db),
		store:   audit.NewStore(db),
	}
}

func (f *fixture) add(t *testing.T, id string, status presence.Status, changedAgo time.Duration) {
	t.Helper()
	databasetest.InsertDevice(t, f.db, databasetest.Device{
		ID:                 id,
		Tag:                "TAG-" + id,
		Status:             string(status),
		LocationID:         "L-" + id,
		HospitalID:         "H1",
		LastStatusChangeAt: time.Now().Add(-changedAgo),
	})
}

func (f *fixture) status(t *testing.T, id string) presence.Status {
	t.Helper()
	d, err := f.devices.GetByID(context.Background(), id)
	require.NoError(t, err)
	return d.Status
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(evt notify.Event) {
	n.mu.Lock()
	n.events = append(n.events, evt)
	n.mu.Unlock()
}

func TestRunOnce_ScenarioB_PromotesToMissing(t *testing.T) {
	f := newFixture(t)
	f.add(t, "dev-1", presence.TemporarilyOut, 3*time.Minute)

	n := &recordingNotifier{}
	s := NewScheduler(f.devices, f.store, Config{Threshold: 2 * time.Minute})
	s.SetNotifier(n)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Promoted)
	assert.Equal(t, presence.Missing, f.status(t, "dev-1"))

	alerts, err := f.store.ListAlerts(context.Background(), audit.AlertFilter{DeviceID: "dev-1"})
	require.NoError(t, err)
	require.Len(t, alerts.Alerts, 1)
	a := alerts.Alerts[0]
	assert.Equal(t, presence.TemporarilyOut, a.PreviousStatus)
	assert.Equal(t, presence.Missing, a.NewStatus)
	assert.Equal(t, presence.TriggerSweep, a.Trigger)
	assert.Nil(t, a.ReaderID)
	assert.Equal(t, "L-dev-1", a.LocationID)
	assert.Equal(t, "H1", a.HospitalID)
	assert.Equal(t, 0, databasetest.Count(t, f.db, "sightings"))

	require.Len(t, n.events, 1)
	assert.Equal(t, presence.Missing, n.events[0].Alert.NewStatus)

	last, ok := s.LastRun()
	require.True(t, ok)
	assert.Equal(t, 1, last.Promoted)
}

func TestRunOnce_OnlyPromotesOverdueTemporarilyOut(t *testing.T) {
	f := newFixture(t)
	f.add(t, "in", presence.InFacility, time.Hour)
	f.add(t, "missing", presence.Missing, time.Hour)
	f.add(t, "recent", presence.TemporarilyOut, 30*time.Second)
	f.add(t, "due", presence.TemporarilyOut, 10*time.Minute)

	s := NewScheduler(f.devices, f.store, Config{Threshold: 2 * time.Minute})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Promoted)

	assert.Equal(t, presence.InFacility, f.status(t, "in"))
	assert.Equal(t, presence.Missing, f.status(t, "missing"))
	assert.Equal(t, presence.TemporarilyOut, f.status(t, "recent"))
	assert.Equal(t, presence.Missing, f.status(t, "due"))
	assert.Equal(t, 1, databasetest.Count(t, f.db, "alerts"))

	// A second run has nothing left to do.
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 0, res.Promoted)
	assert.Equal(t, 1, databasetest.Count(t, f.db, "alerts"))
}

// sightingFirstStore lets a sighting bring the device back in right before
// the sweep writes.
type sightingFirstStore struct {
	*audit.Store
	once sync.Once
}

func (s *sightingFirstStore) ApplyTransition(ctx context.Context, c audit.Change) (*audit.Result, error) {
	s.once.Do(func() {
		tr, err := presence.OnSighting(presence.TemporarilyOut, "L9", time.Now())
		if err != nil {
			panic(err)
		}
		_, err = s.Store.ApplyTransition(ctx, audit.Change{
			DeviceID:   c.DeviceID,
			Transition: tr,
			ReaderID:   "rdr-9",
			HospitalID: "H1",
			LocationID: "L9",
			ObservedAt: tr.At,
			Read:       &audit.Read{Tag: "TAG-dev-1", ReaderCode: "RDR9", AntennaNumber: 1},
		})
		if err != nil {
			panic(err)
		}
	})
	return s.Store.ApplyTransition(ctx, c)
}

func TestRunOnce_SightingWinsRace(t *testing.T) {
	f := newFixture(t)
	databasetest.InsertReader(t, f.db, databasetest.Reader{ID: "rdr-9", Code: "RDR9", Antenna: 1, LocationID: "L9", HospitalID: "H1"})
	f.add(t, "dev-1", presence.TemporarilyOut, time.Hour)

	s := NewScheduler(f.devices, &sightingFirstStore{Store: f.store}, Config{Threshold: time.Minute})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Promoted)
	assert.Equal(t, presence.InFacility, f.status(t, "dev-1"))

	counts, err := f.store.AlertStatusCounts(context.Background(), audit.AlertFilter{DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, counts[presence.Missing])
	assert.Equal(t, 1, counts[presence.InFacility])
}

type flakyStore struct {
	*audit.Store
	failures atomic.Int32
}

func (s *flakyStore) ApplyTransition(ctx context.Context, c audit.Change) (*audit.Result, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("database is locked")
	}
	return s.Store.ApplyTransition(ctx, c)
}

func TestRunOnce_RetriesPersistenceErrorOnce(t *testing.T) {
	f := newFixture(t)
	f.add(t, "dev-1", presence.TemporarilyOut, time.Hour)

	store := &flakyStore{Store: f.store}
	store.failures.Store(1)
	s := NewScheduler(f.devices, store, Config{Threshold: time.Minute, RetryDelay: time.Millisecond})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Promoted)
	assert.Equal(t, presence.Missing, f.status(t, "dev-1"))
}

func TestRunOnce_CountsFailureAfterRetry(t *testing.T) {
	f := newFixture(t)
	f.add(t, "dev-1", presence.TemporarilyOut, time.Hour)
	f.add(t, "dev-2", presence.TemporarilyOut, time.Hour)

	store := &flakyStore{Store: f.store}
	store.failures.Store(2)
	s := NewScheduler(f.devices, store, Config{Threshold: time.Minute, RetryDelay: time.Millisecond})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Promoted)
	assert.Equal(t, 1, databasetest.Count(t, f.db, "alerts"))
}

type failingLister struct{ calls atomic.Int32 }

func (l *failingLister) ListByStatus(context.Context, presence.Status) ([]device.Device, error) {
	l.calls.Add(1)
	return nil, errors.New("connection refused")
}

func TestRunOnce_ListFailure(t *testing.T) {
	lister := &failingLister{}
	s := NewScheduler(lister, nil, Config{RetryDelay: time.Millisecond})

	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), lister.calls.Load())

	last, ok := s.LastRun()
	require.True(t, ok)
	assert.Contains(t, last.Error, "connection refused")
}

func TestScheduler_StartRunsOnStartAndStops(t *testing.T) {
	f := newFixture(t)
	f.add(t, "dev-1", presence.TemporarilyOut, time.Hour)

	s := NewScheduler(f.devices, f.store, Config{
		Interval:   time.Hour,
		Threshold:  time.Minute,
		RunOnStart: true,
	})
	_, ok := s.LastRun()
	assert.False(t, ok)

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		_, ok := s.LastRun()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, presence.Missing, f.status(t, "dev-1"))
}

func TestScheduler_TicksOnInterval(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.devices, f.store, Config{Interval: 20 * time.Millisecond, Threshold: time.Minute})
	s.Start(context.Background())
	defer s.Stop()

	f.add(t, "dev-1", presence.TemporarilyOut, time.Hour)

	require.Eventually(t, func() bool {
		return f.status(t, "dev-1") == presence.Missing
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	s := NewScheduler(&failingLister{}, nil, Config{})
	s.Stop()
	assert.Equal(t, defaultInterval, s.Interval())
}
