// Package billing holds the calendar math for monthly billing cycles.
package billing

import "time"

const (
	MinBillingDay = 1
	MaxBillingDay = 31
)

// ValidDay reports whether day can be used as a billing day of month.
func ValidDay(day int) bool {
	return day >= MinBillingDay && day <= MaxBillingDay
}

// LastCycleStart returns the UTC midnight at which the monthly cycle that
// contains now began. A billing day past the end of a month is clamped to the
// last day of that month, so day 31 starts the February cycle on Feb 28/29.
func LastCycleStart(billingDay int, now time.Time) time.Time {
	now = now.UTC()
	billingDay = clampDay(billingDay)

	year, month, day := now.Date()
	if day < dayInMonth(year, month, billingDay) {
		month--
		if month < time.January {
			month = time.December
			year--
		}
	}

	return time.Date(year, month, dayInMonth(year, month, billingDay), 0, 0, 0, 0, time.UTC)
}

// LastMidnight returns the most recent UTC midnight at or before now.
func LastMidnight(now time.Time) time.Time {
	year, month, day := now.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func dayInMonth(year int, month time.Month, billingDay int) int {
	if last := DaysIn(year, month); billingDay > last {
		return last
	}
	return billingDay
}

func clampDay(day int) int {
	if day < MinBillingDay {
		return MinBillingDay
	}
	if day > MaxBillingDay {
		return MaxBillingDay
	}
	return day
}
