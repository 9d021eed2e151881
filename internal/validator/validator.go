package validator

import (
	"fmt"
	"math"
	"time"

	"github.com/septivank/device-usage-worker/tools/timeparser"
)

const bytesPerMiB = 1024 * 1024

// MaxMiB is the largest traffic value whose byte count fits an int64
const MaxMiB = math.MaxInt64 / bytesPerMiB

// ValidationResult holds validation outcome. Rejected readings cannot be
// recorded at all, the other invalid ones are recorded and flagged.
type ValidationResult struct {
	IsValid       bool
	Rejected      bool
	AnomalyReason string
}

// Telemetry is a mobile traffic diagnostics reading as sent by a device.
// Traffic values are cumulative MiB.
type Telemetry struct {
	DeviceID    string
	SentMiB     float64
	ReceivedMiB float64
	Timestamp   string
}

// Validator handles telemetry validation with configurable parameters
type Validator struct {
	timestampToleranceMinutes int
}

// NewValidator creates a new validator with the specified tolerance
func NewValidator(timestampToleranceMinutes int) *Validator {
	return &Validator{
		timestampToleranceMinutes: timestampToleranceMinutes,
	}
}

// ValidateTelemetry validates a diagnostics reading. The returned time is the
// reading timestamp, or receivedAt when the device sent none or an unparsable
// one.
func (v *Validator) ValidateTelemetry(t Telemetry, receivedAt time.Time) (time.Time, ValidationResult) {
	result := ValidationResult{IsValid: true}

	if t.DeviceID == "" {
		return receivedAt, ValidationResult{Rejected: true, AnomalyReason: "empty device id"}
	}

	if math.IsNaN(t.SentMiB) || math.IsNaN(t.ReceivedMiB) || math.IsInf(t.SentMiB, 0) || math.IsInf(t.ReceivedMiB, 0) {
		return receivedAt, ValidationResult{Rejected: true, AnomalyReason: "traffic value is not a number"}
	}

	if t.SentMiB < 0 || t.ReceivedMiB < 0 {
		return receivedAt, ValidationResult{Rejected: true, AnomalyReason: "negative value detected"}
	}

	if t.SentMiB > MaxMiB || t.ReceivedMiB > MaxMiB {
		return receivedAt, ValidationResult{Rejected: true, AnomalyReason: "traffic value out of range"}
	}

	if t.Timestamp == "" {
		return receivedAt, result
	}

	readingTime, err := timeparser.ParseTelemetryTimestamp(t.Timestamp)
	if err != nil {
		result.IsValid = false
		result.AnomalyReason = fmt.Sprintf("invalid timestamp format: %v", err)
		return receivedAt, result
	}

	if !timeparser.IsWithinTolerance(readingTime, receivedAt, v.timestampToleranceMinutes) {
		result.IsValid = false
		result.AnomalyReason = fmt.Sprintf("timestamp outside tolerance window (±%d minutes)", v.timestampToleranceMinutes)
		return readingTime, result
	}

	return readingTime, result
}

// BytesFromMiB converts a MiB value reported by a device into bytes
func BytesFromMiB(mib float64) int64 {
	return int64(math.Round(mib * bytesPerMiB))
}
