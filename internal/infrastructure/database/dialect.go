package database

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedDialect is returned for a driver name other than sqlite3 or postgres.
var ErrUnsupportedDialect = errors.New("database: unsupported dialect")

// Dialect identifies the SQL flavour behind a DB handle.
type Dialect string

// Supported dialects. Values match the database/sql driver names.
const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// TimeFormat is the fixed-width UTC layout used for SQLite TEXT timestamps.
// Fixed width keeps lexical order equal to chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// Rebind converts ? placeholders to $1..$n for PostgreSQL. Placeholders
// inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// TimeValue returns the driver value for t: a fixed-width UTC string on
// SQLite and a UTC time.Time on PostgreSQL.
func (d Dialect) TimeValue(t time.Time) any {
	if d == Postgres {
		return t.UTC()
	}
	return t.UTC().Format(TimeFormat)
}

// Time scans a timestamp written by either dialect. Values come back in UTC.
type Time struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (t *Time) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("database: cannot scan %T into Time", value)
	}
}

// Value implements driver.Valuer using the SQLite layout.
func (t Time) Value() (driver.Value, error) {
	if !t.Valid {
		return nil, nil
	}
	return t.Time.UTC().Format(TimeFormat), nil
}

// sqliteDriverLayout is what mattn/go-sqlite3 writes for a bound time.Time.
const sqliteDriverLayout = "2006-01-02 15:04:05.999999999-07:00"

func (t *Time) parse(s string) error {
	for _, layout := range []string{time.RFC3339Nano, sqliteDriverLayout, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("database: unparseable timestamp %q", s)
}

// Ptr returns a pointer to the time, or nil when not valid.
func (t Time) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
