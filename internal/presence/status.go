// Package presence holds the device presence state machine.
//
// It is pure: no I/O, no clocks. Both the sighting processor and the
// missing sweep decide transitions here and persist them elsewhere.
//
//	InFacility     --sighting--> TemporarilyOut
//	TemporarilyOut --sighting--> InFacility
//	Missing        --sighting--> InFacility
//	TemporarilyOut --sweep, elapsed >= threshold--> Missing
//
// Any valid sighting toggles status regardless of which reader or antenna
// produced it. There is no entry/exit reader distinction.
package presence

import (
	"errors"
	"fmt"
)

// ErrInvalidStatus is returned for a status value outside the known set.
var ErrInvalidStatus = errors.New("presence: invalid status")

// Status is a device's authoritative presence state.
type Status string

// Presence states. InFacility is the initial state.
const (
	InFacility     Status = "InFacility"
	TemporarilyOut Status = "TemporarilyOut"
	Missing        Status = "Missing"
)

// Statuses lists every valid status in display order.
func Statuses() []Status {
	return []Status{InFacility, TemporarilyOut, Missing}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case InFacility, TemporarilyOut, Missing:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus validates a stored or user-supplied status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

// Trigger records what caused a transition.
type Trigger string

// Transition triggers.
const (
	TriggerSighting Trigger = "sighting"
	TriggerSweep    Trigger = "sweep"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	return t == TriggerSighting || t == TriggerSweep
}
