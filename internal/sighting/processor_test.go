package sighting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pycube-FP/Pycube-MDM/internal/audit"
	"github.com/Pycube-FP/Pycube-MDM/internal/dedup"
	"github.com/Pycube-FP/Pycube-MDM/internal/device"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database/databasetest"
	"github.com/Pycube-FP/Pycube-MDM/internal/notify"
	"github.com/Pycube-FP/Pycube-MDM/internal/presence"
	"github.com/Pycube-FP/Pycube-MDM/internal/reader"
)

const (
	msgD1       = `{"data":{"hostName":"RDR1","antenna":1,"idHex":"D-TAG-1"}}`
	msgD1Exit   = `{"data":{"hostName":"RDR2","antenna":1,"idHex":"D-TAG-1"}}`
	msgUnknownR = `{"data":{"hostName":"UNREGISTERED","antenna":9,"idHex":"D-TAG-1"}}`
)

type fixture struct {
	db      *database.DB
	devices *device.SQLRepository
	store   *audit.Store
	proc    *Processor
}

func newFixture(t *testing.T, status presence.Status) *fixture {
	t.Helper()
	db := databasetest.Open(t)
	databasetest.InsertReader(t, db, databasetest.Reader{ID: "rdr-1", Code: "RDR1", Antenna: 1, LocationID: "L1", HospitalID: "H1"})
	databasetest.InsertReader(t, db, databasetest.Reader{ID: "rdr-2", Code: "RDR2", Antenna: 1, LocationID: "L2", HospitalID: "H1"})
	databasetest.InsertReader(t, db, databasetest.Reader{ID: "rdr-3", Code: "RDR3", Antenna: 1, LocationID: "L3", HospitalID: "H1", Status: "Inactive"})
	databasetest.InsertDevice(t, db, databasetest.Device{
		ID:                 "dev-1",
		Tag:                "D-TAG-1",
		Status:             string(status),
		LocationID:         "L0",
		HospitalID:         "H1",
		LastStatusChangeAt: time.Now().Add(-time.Hour),
	})

	devices := device.NewSQLRepository(db)
	store := audit.NewStore(db)
	registry := reader.NewRegistry(reader.NewSQLRepository(db), "")
	proc := NewProcessor(registry, devices, store, Config{QueueSize: 4, RetryDelay: time.Millisecond})

	return &fixture{db: db, devices: devices, store: store, proc: proc}
}

func (f *fixture) device(t *testing.T) *device.Device {
	t.Helper()
	d, err := f.devices.GetByID(context.Background(), "dev-1")
	require.NoError(t, err)
	return d
}

func TestHandle_ScenarioA_InFacilityGoesOut(t *testing.T) {
	f := newFixture(t, presence.InFacility)

	outcome, err := f.proc.Handle(context.Background(), []byte(msgD1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)

	d := f.device(t)
	assert.Equal(t, presence.TemporarilyOut, d.Status)
	assert.Equal(t, "L1", d.Location())
	assert.WithinDuration(t, time.Now(), d.LastStatusChangeAt, 5*time.Second)

	alerts, err := f.store.ListAlerts(context.Background(), audit.AlertFilter{DeviceID: "dev-1"})
	require.NoError(t, err)
	require.Equal(t, 1, alerts.Total)
	a := alerts.Alerts[0]
	assert.Equal(t, presence.InFacility, a.PreviousStatus)
	assert.Equal(t, presence.TemporarilyOut, a.NewStatus)
	assert.Equal(t, presence.TriggerSighting, a.Trigger)
	require.NotNil(t, a.ReaderID)
	assert.Equal(t, "rdr-1", *a.ReaderID)
	assert.Equal(t, "H1", a.HospitalID)

	assert.Equal(t, 1, databasetest.Count(t, f.db, "sightings"))
	assert.Equal(t, uint64(1), f.proc.Stats().Applied)
}

func TestHandle_LowercaseProvisionedTag(t *testing.T) {
	db := databasetest.Open(t)
	databasetest.InsertReader(t, db, databasetest.Reader{ID: "rdr-1", Code: "RDR1", Antenna: 1, LocationID: "L1", HospitalID: "H1"})
	databasetest.InsertDevice(t, db, databasetest.Device{
		ID:                 "dev-lc",
		Tag:                "e2801160600002",
		Status:             string(presence.InFacility),
		HospitalID:         "H1",
		LastStatusChangeAt: time.Now().Add(-time.Hour),
	})

	devices := device.NewSQLRepository(db)
	proc := NewProcessor(reader.NewRegistry(reader.NewSQLRepository(db), ""), devices, audit.NewStore(db),
		Config{QueueSize: 4, RetryDelay: time.Millisecond})

	for _, payload := range []string{
		`{"data":{"hostName":"RDR1","antenna":1,"idHex":"e2801160600002"}}`,
		`{"data":{"hostName":"RDR1","antenna":1,"idHex":"E2801160600002"}}`,
	} {
		outcome, err := proc.Handle(context.Background(), []byte(payload), time.Now())
		require.NoError(t, err)
		assert.Equal(t, Applied, outcome)
	}

	d, err := devices.GetByID(context.Background(), "dev-lc")
	require.NoError(t, err)
	assert.Equal(t, presence.InFacility, d.Status)
	assert.Equal(t, 2, databasetest.Count(t, db, "alerts"))
}

func TestHandle_ToggleBackIn(t *testing.T) {
	f := newFixture(t, presence.InFacility)
	ctx := context.Background()

	_, err := f.proc.Handle(ctx, []byte(msgD1), time.Now())
	require.NoError(t, err)
	_, err = f.proc.Handle(ctx, []byte(msgD1Exit), time.Now())
	require.NoError(t, err)

	d := f.device(t)
	assert.Equal(t, presence.InFacility, d.Status)
	assert.Equal(t, "L2", d.Location())
	assert.Equal(t, 2, databasetest.Count(t, f.db, "alerts"))
}

func TestHandle_MissingComesBack(t *testing.T) {
	f := newFixture(t, presence.Missing)

	outcome, err := f.proc.Handle(context.Background(), []byte(msgD1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, presence.InFacility, f.device(t).Status)
}

func TestHandle_ScenarioC_UnknownReaderMutatesNothing(t *testing.T) {
	f := newFixture(t, presence.InFacility)
	ctx := context.Background()

	outcome, err := f.proc.Handle(ctx, []byte(msgUnknownR), time.Now())
	assert.Equal(t, UnknownReader, outcome)
	assert.ErrorIs(t, err, reader.ErrReaderNotFound)

	inactive := `{"data":{"hostName":"RDR3","antenna":1,"idHex":"D-TAG-1"}}`
	outcome, _ = f.proc.Handle(ctx, []byte(inactive), time.Now())
	assert.Equal(t, UnknownReader, outcome)

	assert.Equal(t, presence.InFacility, f.device(t).Status)
	assert.Equal(t, 0, databasetest.Count(t, f.db, "alerts"))
	assert.Equal(t, 0, databasetest.Count(t, f.db, "sightings"))

	// The next valid message is still processed.
	outcome, err = f.proc.Handle(ctx, []byte(msgD1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, uint64(2), f.proc.Stats().UnknownReader)
}

func TestHandle_MalformedAndUnknownDevice(t *testing.T) {
	f := newFixture(t, presence.InFacility)
	ctx := context.Background()

	outcome, err := f.proc.Handle(ctx, []byte(`{"data":{"hostName":"RDR1"}}`), time.Now())
	assert.Equal(t, Malformed, outcome)
	assert.ErrorIs(t, err, ErrMalformedMessage)

	outcome, err = f.proc.Handle(ctx, []byte(`{"data":{"hostName":"RDR1","antenna":1,"idHex":"NOPE"}}`), time.Now())
	assert.Equal(t, UnknownDevice, outcome)
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)

	assert.Equal(t, 0, databasetest.Count(t, f.db, "alerts"))
	stats := f.proc.Stats()
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(1), stats.UnknownDevice)
	assert.Equal(t, uint64(2), stats.Received)
}

func TestHandle_DuplicateSuppressed(t *testing.T) {
	f := newFixture(t, presence.InFacility)
	f.proc.SetSuppressor(dedup.NewMemory(time.Minute))
	ctx := context.Background()

	outcome, err := f.proc.Handle(ctx, []byte(msgD1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)

	outcome, err = f.proc.Handle(ctx, []byte(msgD1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)

	assert.Equal(t, presence.TemporarilyOut, f.device(t).Status)
	assert.Equal(t, 1, databasetest.Count(t, f.db, "alerts"))
	assert.Equal(t, 1, databasetest.Count(t, f.db, "sightings"))
}

type failingSuppressor struct{}

func (failingSuppressor) Seen(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestHandle_DedupFailsOpen(t *testing.T) {
	f := newFixture(t, presence.InFacility)
	f.proc.SetSuppressor(failingSuppressor{})

	outcome, err := f.proc.Handle(context.Background(), []byte(msgD1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
}

// racingStore lets the sweep promote the device right before the
// processor's first write, so the processor sees a stale status.
type racingStore struct {
	*audit.Store
	once sync.Once
}

func (s *racingStore) ApplyTransition(ctx context.Context, c audit.Change) (*audit.Result, error) {
	s.once.Do(func() {
		tr, ok := presence.OnSweep(presence.TemporarilyOut, time.Now().Add(-time.Hour), time.Now(), time.Minute)
		if !ok {
			panic("sweep should promote")
		}
		if _, err := s.Store.ApplyTransition(ctx, audit.Change{DeviceID: c.DeviceID, Transition: tr, ObservedAt: tr.At}); err != nil {
			panic(err)
		}
	})
	return s.Store.ApplyTransition(ctx, c)
}

func TestHandle_StaleStatusRedecides(t *testing.T) {
	f := newFixture(t, presence.TemporarilyOut)
	proc := NewProcessor(reader.NewRegistry(reader.NewSQLRepository(f.db), ""), f.devices, &racingStore{Store: f.store}, Config{})

	outcome, err := proc.Handle(context.Background(), []byte(msgD1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, uint64(1), proc.Stats().Conflicts)

	// Sweep: TemporarilyOut -> Missing, then the sighting re-decided from
	// Missing: Missing -> InFacility.
	assert.Equal(t, presence.InFacility, f.device(t).Status)
	counts, err := f.store.AlertStatusCounts(context.Background(), audit.AlertFilter{DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, counts[presence.Missing])
	assert.Equal(t, 1, counts[presence.InFacility])

	alerts, err := f.store.ListAlerts(context.Background(), audit.AlertFilter{DeviceID: "dev-1", Trigger: presence.TriggerSighting})
	require.NoError(t, err)
	require.Len(t, alerts.Alerts, 1)
	assert.Equal(t, presence.Missing, alerts.Alerts[0].PreviousStatus)
}

type alwaysStale struct{ calls atomic.Int32 }

func (s *alwaysStale) ApplyTransition(context.Context, audit.Change) (*audit.Result, error) {
	s.calls.Add(1)
	return nil, audit.ErrStaleStatus
}

func TestHandle_StaleGivesUpAfterThreeAttempts(t *testing.T) {
	f := newFixture(t, presence.InFacility)
	store := &alwaysStale{}
	proc := NewProcessor(reader.NewRegistry(reader.NewSQLRepository(f.db), ""), f.devices, store, Config{RetryDelay: time.Millisecond})

	outcome, err := proc.Handle(context.Background(), []byte(msgD1), time.Now())
	assert.Equal(t, Failed, outcome)
	assert.ErrorIs(t, err, audit.ErrStaleStatus)
	assert.Equal(t, int32(maxDecideAttempts), store.calls.Load())
}

type flakyStore struct {
	*audit.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyStore) ApplyTransition(ctx context.Context, c audit.Change) (*audit.Result, error) {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("database is locked")
	}
	return s.Store.ApplyTransition(ctx, c)
}

func TestHandle_PersistenceErrorRetriedOnce(t *testing.T) {
	f := newFixture(t, presence.InFacility)
	registry := reader.NewRegistry(reader.NewSQLRepository(f.db), "")

	store := &flakyStore{Store: f.store}
	store.failures.Store(1)
	proc := NewProcessor(registry, f.devices, store, Config{RetryDelay: time.Millisecond})

	outcome, err := proc.Handle(context.Background(), []byte(msgD1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, int32(2), store.calls.Load())

	// Two consecutive failures: dropped.
	store.failures.Store(2)
	store.calls.Store(0)
	outcome, err = proc.Handle(context.Background(), []byte(msgD1Exit), time.Now())
	assert.Equal(t, Failed, outcome)
	assert.Error(t, err)
	assert.Equal(t, int32(2), store.calls.Load())
	assert.Equal(t, presence.TemporarilyOut, f.device(t).Status)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(evt notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func TestHandle_NotifiesAfterCommit(t *testing.T) {
	f := newFixture(t, presence.InFacility)
	n := &recordingNotifier{}
	f.proc.SetNotifier(n)

	_, err := f.proc.Handle(context.Background(), []byte(msgD1), time.Now())
	require.NoError(t, err)
	_, _ = f.proc.Handle(context.Background(), []byte(msgUnknownR), time.Now())

	require.Len(t, n.events, 1)
	assert.Equal(t, presence.TemporarilyOut, n.events[0].Alert.NewStatus)
	require.NotNil(t, n.events[0].Sighting)
	assert.Equal(t, "RDR1", n.events[0].Sighting.ReaderCode)
}

func TestProcessor_QueueAndAck(t *testing.T) {
	f := newFixture(t, presence.InFacility)

	var acked atomic.Int32
	ack := func() { acked.Add(1) }

	// Fill the queue before the consumer starts.
	for i := 0; i < 4; i++ {
		payload := msgD1
		if i%2 == 1 {
			payload = msgD1Exit
		}
		require.NoError(t, f.proc.Enqueue(Delivery{Payload: []byte(payload), ReceivedAt: time.Now(), Ack: ack}))
	}
	assert.ErrorIs(t, f.proc.Enqueue(Delivery{Payload: []byte(msgD1)}), ErrQueueFull)
	assert.Equal(t, 4, f.proc.QueueDepth())

	f.proc.Start(context.Background())
	require.Eventually(t, func() bool { return acked.Load() == 4 }, 5*time.Second, 5*time.Millisecond)
	f.proc.Stop()
	f.proc.Stop()

	assert.ErrorIs(t, f.proc.Enqueue(Delivery{Payload: []byte(msgD1)}), ErrStopped)

	stats := f.proc.Stats()
	assert.Equal(t, uint64(4), stats.Applied)
	assert.Equal(t, uint64(1), stats.QueueFull)
	assert.Equal(t, 4, stats.QueueCapacity)
	// Four toggles: back where it started.
	assert.Equal(t, presence.InFacility, f.device(t).Status)
}

func TestProcessor_EnqueueWaitsForRoom(t *testing.T) {
	f := newFixture(t, presence.InFacility)
	proc := NewProcessor(reader.NewRegistry(reader.NewSQLRepository(f.db), ""), f.devices, f.store,
		Config{QueueSize: 1, EnqueueWait: 5 * time.Second, RetryDelay: time.Millisecond})

	var acked atomic.Int32
	ack := func() { acked.Add(1) }
	require.NoError(t, proc.Enqueue(Delivery{Payload: []byte(msgD1), ReceivedAt: time.Now(), Ack: ack}))

	errc := make(chan error, 1)
	go func() {
		errc <- proc.Enqueue(Delivery{Payload: []byte(msgD1Exit), ReceivedAt: time.Now(), Ack: ack})
	}()

	// The second delivery is waiting on the full queue, not refused.
	select {
	case err := <-errc:
		t.Fatalf("Enqueue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	proc.Start(context.Background())
	defer proc.Stop()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Enqueue did not get room")
	}
	require.Eventually(t, func() bool { return acked.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, proc.Stats().QueueFull)
}

func TestProcessor_EnqueueWaitTimesOutOrStops(t *testing.T) {
	f := newFixture(t, presence.InFacility)
	proc := NewProcessor(reader.NewRegistry(reader.NewSQLRepository(f.db), ""), f.devices, f.store,
		Config{QueueSize: 1, EnqueueWait: 20 * time.Millisecond})

	require.NoError(t, proc.Enqueue(Delivery{Payload: []byte(msgD1)}))
	assert.ErrorIs(t, proc.Enqueue(Delivery{Payload: []byte(msgD1)}), ErrQueueFull)
	assert.Equal(t, uint64(1), proc.Stats().QueueFull)

	slow := NewProcessor(reader.NewRegistry(reader.NewSQLRepository(f.db), ""), f.devices, f.store,
		Config{QueueSize: 1, EnqueueWait: time.Minute})
	require.NoError(t, slow.Enqueue(Delivery{Payload: []byte(msgD1)}))

	errc := make(chan error, 1)
	go func() { errc <- slow.Enqueue(Delivery{Payload: []byte(msgD1)}) }()
	time.Sleep(20 * time.Millisecond)
	slow.Stop()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not release a waiting Enqueue")
	}
}

func TestProcessor_MalformedIsAcked(t *testing.T) {
	f := newFixture(t, presence.InFacility)
	done := make(chan struct{})

	f.proc.Start(context.Background())
	defer f.proc.Stop()
	require.NoError(t, f.proc.Enqueue(Delivery{Payload: []byte(`garbage`), Ack: func() { close(done) }}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("malformed message was not acked")
	}
}

// TestConcurrentSightingsAndSweeps drives sightings and sweeps against one
// device at the same time. Whatever the interleaving, the alert log must be
// a consistent history: for every status, transitions in minus transitions
// out equals (final is that status) minus (initial is that status).
func TestConcurrentSightingsAndSweeps(t *testing.T) {
	f := newFixture(t, presence.InFacility)
	ctx := context.Background()

	const sightings = 40
	const sweeps = 40

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < sightings; i++ {
			payload := msgD1
			if i%2 == 1 {
				payload = msgD1Exit
			}
			f.proc.Handle(ctx, []byte(payload), time.Now()) //nolint:errcheck
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < sweeps; i++ {
			d, err := f.devices.GetByID(ctx, "dev-1")
			if err != nil {
				continue
			}
			// A zero threshold promotes any TemporarilyOut device.
			tr, ok := presence.OnSweep(d.Status, d.LastStatusChangeAt, time.Now(), 0)
			if !ok {
				continue
			}
			_, err = f.store.ApplyTransition(ctx, audit.Change{DeviceID: d.ID, Transition: tr, LocationID: d.Location(), ObservedAt: tr.At})
			if err != nil && !errors.Is(err, audit.ErrStaleStatus) {
				t.Errorf("sweep apply: %v", err)
			}
		}
	}()

	wg.Wait()

	final := f.device(t).Status
	list, err := f.store.ListAlerts(ctx, audit.AlertFilter{DeviceID: "dev-1", Limit: 200})
	require.NoError(t, err)
	require.Equal(t, list.Total, len(list.Alerts))

	net := map[presence.Status]int{}
	for _, a := range list.Alerts {
		net[a.NewStatus]++
		net[a.PreviousStatus]--
	}
	for _, s := range presence.Statuses() {
		want := 0
		if s == final {
			want++
		}
		if s == presence.InFacility {
			want--
		}
		assert.Equal(t, want, net[s], fmt.Sprintf("flow for %s", s))
	}

	// Every sighting alert has a sighting row and vice versa.
	sightingAlerts, err := f.store.ListAlerts(ctx, audit.AlertFilter{DeviceID: "dev-1", Trigger: presence.TriggerSighting, Limit: 200})
	require.NoError(t, err)
	assert.Equal(t, sightingAlerts.Total, databasetest.Count(t, f.db, "sightings"))
	assert.Equal(t, int(f.proc.Stats().Applied), sightingAlerts.Total)
}
