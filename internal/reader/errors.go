package reader

import "errors"

var (
	// ErrReaderNotFound is returned when a (reader code, antenna) pair is not
	// registered, not active, or outside the configured hospital. Callers
	// treat it as an expected filter outcome, not a fault.
	ErrReaderNotFound = errors.New("reader: not found")

	// ErrInvalidKey is returned for an empty reader code or negative antenna.
	ErrInvalidKey = errors.New("reader: invalid key")
)
