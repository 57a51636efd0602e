package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type DateFormat string

const (
	FormatRFC3339Nano DateFormat = time.RFC3339Nano
	FormatISO8601     DateFormat = "2006-01-02T15:04:05Z07:00"
	FormatDateTime    DateFormat = "2006-01-02 15:04:05"
	FormatISO8601Date DateFormat = "2006-01-02"
	FormatUnixTime    DateFormat = "unix"
)

var supportedFormats = []DateFormat{
	FormatRFC3339Nano,
	FormatISO8601,
	FormatDateTime,
	FormatISO8601Date,
}

// Now is the clock used for UpdatedAt stamps. Postgres keeps microseconds, so
// we truncate to keep in-memory snapshots comparable with reloaded rows.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// BeginningOfDay returns midnight (UTC) of the day containing t.
func BeginningOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func SameDay(a, b time.Time) bool {
	return BeginningOfDay(a).Equal(BeginningOfDay(b))
}

// ParseTimestamp accepts unix seconds or any of the supported layouts and
// returns the instant in UTC.
func ParseTimestamp(input string) (time.Time, DateFormat, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return time.Time{}, "", fmt.Errorf("empty timestamp")
	}

	if unixTime, err := strconv.ParseInt(input, 10, 64); err == nil {
		// 1970-2100
		if unixTime > 0 && unixTime < 4102444800 {
			return time.Unix(unixTime, 0).UTC(), FormatUnixTime, nil
		}
		return time.Time{}, "", fmt.Errorf("unix timestamp out of range: %d", unixTime)
	}

	for _, format := range supportedFormats {
		if parsed, err := time.Parse(string(format), input); err == nil {
			return parsed.UTC(), format, nil
		}
	}

	return time.Time{}, "", fmt.Errorf("unrecognized timestamp format: %q", input)
}
