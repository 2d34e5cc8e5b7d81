package api

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/Pycube-FP/Pycube-MDM/internal/presence"
)

// queryInt parses an optional non-negative integer parameter.
func queryInt(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// queryTime parses an optional RFC 3339 timestamp parameter.
func queryTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return t.UTC(), nil
}

// queryStatus parses an optional presence status parameter.
func queryStatus(q url.Values, key string) (presence.Status, error) {
	v := q.Get(key)
	if v == "" {
		return "", nil
	}
	s, err := presence.ParseStatus(v)
	if err != nil {
		return "", fmt.Errorf("%s must be one of %v", key, presence.Statuses())
	}
	return s, nil
}

// queryTrigger parses an optional transition trigger parameter.
func queryTrigger(q url.Values, key string) (presence.Trigger, error) {
	v := q.Get(key)
	if v == "" {
		return "", nil
	}
	t := presence.Trigger(v)
	if !t.Valid() {
		return "", fmt.Errorf("%s must be %q or %q", key, presence.TriggerSighting, presence.TriggerSweep)
	}
	return t, nil
}
