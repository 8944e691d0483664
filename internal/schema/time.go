package schema

import "time"

// timeLayout is RFC3339 at second precision with the literal Z suffix: the
// only timestamp form MiniSOC writes.
const timeLayout = "2006-01-02T15:04:05Z"

// FormatTime renders t as RFC3339 UTC, second precision, trailing Z.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Now is FormatTime of the current wall clock.
func Now() string {
	return FormatTime(time.Now())
}

// ParseTime parses a wire timestamp. It accepts any RFC3339 form on input
// even though MiniSOC only ever emits the UTC Z form.
func ParseTime(ts string) (time.Time, error) {
	return time.Parse(time.RFC3339, ts)
}
