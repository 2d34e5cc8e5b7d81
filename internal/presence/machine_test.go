package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

func TestOnSighting(t *testing.T) {
	tests := []struct {
		current Status
		want    Status
	}{
		{InFacility, TemporarilyOut},
		{TemporarilyOut, InFacility},
		{Missing, InFacility},
	}

	for _, tt := range tests {
		t.Run(string(tt.current), func(t *testing.T) {
			tr, err := OnSighting(tt.current, "L1", t0)
			require.NoError(t, err)
			assert.Equal(t, tt.current, tr.From)
			assert.Equal(t, tt.want, tr.To)
			assert.Equal(t, TriggerSighting, tr.Trigger)
			assert.Equal(t, "L1", tr.LocationID)
			assert.True(t, tr.LocationChanged)
			assert.True(t, tr.At.Equal(t0))
		})
	}
}

func TestOnSighting_TogglesTwice(t *testing.T) {
	first, err := OnSighting(InFacility, "L1", t0)
	require.NoError(t, err)
	second, err := OnSighting(first.To, "L1", t0.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, TemporarilyOut, first.To)
	assert.Equal(t, InFacility, second.To)
}

func TestOnSighting_InvalidStatus(t *testing.T) {
	_, err := OnSighting(Status("Retired"), "L1", t0)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestOnSighting_StampsUTC(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	tr, err := OnSighting(InFacility, "L1", t0.In(est))
	require.NoError(t, err)
	assert.Equal(t, time.UTC, tr.At.Location())
	assert.True(t, tr.At.Equal(t0))
}

func TestOnSweep(t *testing.T) {
	threshold := 2 * time.Minute

	tests := []struct {
		name        string
		current     Status
		lastChange  time.Time
		wantPromote bool
	}{
		{"temporarily out below threshold", TemporarilyOut, t0.Add(-time.Minute), false},
		{"temporarily out at threshold", TemporarilyOut, t0.Add(-threshold), true},
		{"temporarily out past threshold", TemporarilyOut, t0.Add(-3 * time.Minute), true},
		{"missing is never touched", Missing, t0.Add(-time.Hour), false},
		{"in facility is never touched", InFacility, t0.Add(-time.Hour), false},
		{"unknown status is never touched", Status("Retired"), t0.Add(-time.Hour), false},
		{"future change time", TemporarilyOut, t0.Add(time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, ok := OnSweep(tt.current, tt.lastChange, t0, threshold)
			assert.Equal(t, tt.wantPromote, ok)
			if ok {
				assert.Equal(t, TemporarilyOut, tr.From)
				assert.Equal(t, Missing, tr.To)
				assert.Equal(t, TriggerSweep, tr.Trigger)
				assert.False(t, tr.LocationChanged)
				assert.True(t, tr.At.Equal(t0))
			}
		})
	}
}

func TestElapsed_ComparesAcrossZones(t *testing.T) {
	ny := time.FixedZone("EDT", -4*3600)
	lastChange := t0.In(ny)
	now := t0.Add(3 * time.Minute)

	assert.Equal(t, 3*time.Minute, Elapsed(lastChange, now))
}

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses() {
		got, err := ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseStatus("inFacility")
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = ParseStatus("")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestTriggerValid(t *testing.T) {
	assert.True(t, TriggerSighting.Valid())
	assert.True(t, TriggerSweep.Valid())
	assert.False(t, Trigger("manual").Valid())
}
