package util

import (
	"time"
)

const (
	nanosPerMilli = 1000000

	// DayLayout is the layout of the date partition in object keys
	DayLayout = "2006-01-02"
)

// UnixMillis gives the milliseconds since epoch for the given time
func UnixMillis(t time.Time) int64 {
	return t.UnixNano() / nanosPerMilli
}

// TimeFromMillis returns the time corresponding to the given milliseconds since epoch
func TimeFromMillis(millis int64) time.Time {
	return time.Unix(0, millis*nanosPerMilli)
}

// Day formats t as a UTC date partition, e.g. 2024-03-23
func Day(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// ParseDay parses a date partition as produced by Day
func ParseDay(day string) (time.Time, error) {
	return time.ParseInLocation(DayLayout, day, time.UTC)
}
