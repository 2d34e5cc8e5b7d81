// Package sighting turns raw RFID reads from the broker into presence
// transitions.
//
// A Processor drains a bounded queue on one goroutine, in arrival order.
// For each message it resolves the reader, finds the device, optionally
// suppresses duplicates, decides the transition with the presence state
// machine and applies it through the audit store's conditional update. A
// stale status (the sweep or another delivery won the race) is re-read and
// re-decided.
package sighting

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedMessage is returned for payloads that are not a valid sighting.
var ErrMalformedMessage = errors.New("sighting: malformed message")

// Message is one parsed RFID read.
type Message struct {
	ReaderCode string
	Antenna    int
	Tag        string
	ObservedAt time.Time
}

type envelope struct {
	Data *struct {
		HostName  *string          `json:"hostName"`
		Antenna   *json.RawMessage `json:"antenna"`
		IDHex     *string          `json:"idHex"`
		Timestamp string           `json:"timestamp"`
	} `json:"data"`
}

// ParseMessage decodes {"data":{"hostName":...,"antenna":...,"idHex":...}}.
//
// The antenna may be a JSON integer or a numeric string. The tag is trimmed
// but otherwise kept as sent. An optional RFC 3339 "timestamp" inside data is used as
// the observed time; otherwise receivedAt is.
func ParseMessage(payload []byte, receivedAt time.Time) (Message, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&env); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if env.Data == nil {
		return Message{}, fmt.Errorf("%w: missing data", ErrMalformedMessage)
	}
	d := env.Data

	if d.HostName == nil || strings.TrimSpace(*d.HostName) == "" {
		return Message{}, fmt.Errorf("%w: missing hostName", ErrMalformedMessage)
	}
	if d.IDHex == nil || strings.TrimSpace(*d.IDHex) == "" {
		return Message{}, fmt.Errorf("%w: missing idHex", ErrMalformedMessage)
	}
	if d.Antenna == nil {
		return Message{}, fmt.Errorf("%w: missing antenna", ErrMalformedMessage)
	}
	antenna, err := parseAntenna(*d.Antenna)
	if err != nil {
		return Message{}, err
	}

	observed := receivedAt
	if d.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, d.Timestamp)
		if err != nil {
			return Message{}, fmt.Errorf("%w: timestamp: %w", ErrMalformedMessage, err)
		}
		observed = ts
	}

	return Message{
		ReaderCode: strings.TrimSpace(*d.HostName),
		Antenna:    antenna,
		Tag:        strings.TrimSpace(*d.IDHex),
		ObservedAt: observed.UTC(),
	}, nil
}

func parseAntenna(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%w: negative antenna %d", ErrMalformedMessage, n)
		}
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: antenna is not an integer", ErrMalformedMessage)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: antenna %q is not an integer", ErrMalformedMessage, s)
	}
	return n, nil
}
