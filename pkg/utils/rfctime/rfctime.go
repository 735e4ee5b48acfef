package rfctime

import (
	"time"
)

// RFC3339 with fixed numeric offset, as used in API payloads
// and the forge polling watermark.
const RFC3339DateTimeFormat = "2006-01-02T15:04:05.999-07:00"

func ParseRFC3339DateTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func FormatRFC3339DateTime(t time.Time) string {
	return t.Format(RFC3339DateTimeFormat)
}
