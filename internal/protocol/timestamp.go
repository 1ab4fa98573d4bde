package protocol

import (
	"strings"
	"time"
)

// isoMillis is the layout JavaScript's toISOString produces.
const isoMillis = "2006-01-02T15:04:05.000Z"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// FormatTimestamp renders t as an ISO-8601 UTC string with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// ParseTimestamp accepts ISO-8601 with or without a zone. Zone-less values are UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
