package presence

import (
	"fmt"
	"time"
)

// Transition is one decided status change. It carries everything needed to
// persist the change as a conditional update: the status the device must
// still be in (From) for the write to apply.
type Transition struct {
	From    Status
	To      Status
	Trigger Trigger

	// LocationID is the device location after the transition. A sighting
	// sets it to the reader's location. A sweep leaves it unchanged, so
	// LocationChanged is false and LocationID is empty.
	LocationID      string
	LocationChanged bool

	// At is the change time stamped onto the device, in UTC.
	At time.Time
}

// OnSighting decides the transition for a valid sighting at locationID.
// Every valid sighting produces a transition.
func OnSighting(current Status, locationID string, at time.Time) (Transition, error) {
	var next Status
	switch current {
	case InFacility:
		next = TemporarilyOut
	case TemporarilyOut, Missing:
		next = InFacility
	default:
		return Transition{}, fmt.Errorf("%w: %q", ErrInvalidStatus, current)
	}

	return Transition{
		From:            current,
		To:              next,
		Trigger:         TriggerSighting,
		LocationID:      locationID,
		LocationChanged: true,
		At:              at.UTC(),
	}, nil
}

// OnSweep decides whether a sweep promotes the device. It returns false for
// every case except TemporarilyOut with elapsed >= threshold. Unknown
// statuses are never promoted.
func OnSweep(current Status, lastChange, now time.Time, threshold time.Duration) (Transition, bool) {
	if current != TemporarilyOut {
		return Transition{}, false
	}
	if Elapsed(lastChange, now) < threshold {
		return Transition{}, false
	}

	return Transition{
		From:    TemporarilyOut,
		To:      Missing,
		Trigger: TriggerSweep,
		At:      now.UTC(),
	}, true
}

// Elapsed returns now - lastChange with both instants normalised to UTC.
// A lastChange in the future yields a negative duration, which never
// reaches a positive threshold.
func Elapsed(lastChange, now time.Time) time.Duration {
	return now.UTC().Sub(lastChange.UTC())
}
