package canon

import (
	"strconv"
	"strings"
	"time"

	"exploitwatch/internal/incident"
)

// Layouts without a zone are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"January 2, 2006",
	"Jan 2, 2006",
}

// ParseTime converts a source timestamp into UTC.
func ParseTime(raw incident.RawTime) (time.Time, error) {
	switch {
	case !raw.At.IsZero():
		return raw.At.UTC(), nil
	case raw.Unix != 0:
		return fromUnix(raw.Unix), nil
	}

	text := strings.TrimSpace(raw.Text)
	if text == "" {
		return time.Time{}, incident.Reject(incident.ReasonMissingTimestamp, "")
	}
	if sec, err := strconv.ParseInt(text, 10, 64); err == nil {
		return fromUnix(sec), nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.ParseInLocation(layout, text, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, incident.Reject(incident.ReasonUnparseableTimestamp, "timestamp %q", raw.Text)
}

// Values past 1e12 are milliseconds.
func fromUnix(v int64) time.Time {
	if v > 1_000_000_000_000 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}
