package domain

import "time"

// TimeLayout is fixed-width UTC with nanoseconds, so stored timestamps sort
// lexicographically in the same order as chronologically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Timestamp formats t with TimeLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
