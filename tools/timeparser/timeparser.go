package timeparser

import (
	"fmt"
	"time"
)

// DayLayout is the calendar-day key used for daily traffic rows.
const DayLayout = "2006-01-02"

// ParseTelemetryTimestamp attempts to parse a device timestamp with the formats devices are known to send
func ParseTelemetryTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,      // Standard RFC3339 with fractions
		time.RFC3339,          // Standard RFC3339
		"2006-01-02 15:04:05", // YYYY-MM-DD HH:mm:ss
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// ParseBillingDate parses a billing boundary given either as a calendar day or a full timestamp
func ParseBillingDate(dateStr string) (time.Time, error) {
	if t, err := time.Parse(DayLayout, dateStr); err == nil {
		return t.UTC(), nil
	}

	t, err := time.Parse(time.RFC3339Nano, dateStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse billing date '%s': %w", dateStr, err)
	}
	return t.UTC(), nil
}

// FormatDay returns the UTC calendar day of t
func FormatDay(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// IsWithinTolerance checks if the reading timestamp is within tolerance of received time
func IsWithinTolerance(readingTime, receivedTime time.Time, toleranceMinutes int) bool {
	diff := readingTime.Sub(receivedTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(toleranceMinutes)*time.Minute
}
