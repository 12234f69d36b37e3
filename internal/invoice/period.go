// Package invoice aggregates rated call records into one invoice per account
// and billing period, numbers invoices, and drives their payment status.
package invoice

import "time"

// periodEndPrecision is the smallest step the stores keep for timestamps.
const periodEndPrecision = time.Microsecond

// MonthPeriod returns the closed range covering the calendar month in loc,
// expressed in UTC. The end is the last representable instant of the month.
func MonthPeriod(year int, month time.Month, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 1, 0).Add(-periodEndPrecision)
	return start.UTC(), end.UTC()
}

// PreviousMonth is the month before the one containing now, in loc.
func PreviousMonth(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	previous := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, -1, 0)
	return MonthPeriod(previous.Year(), previous.Month(), loc)
}
