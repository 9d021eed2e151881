package anomaly

import (
	"fmt"
)

// Kinds of anomalies reported by the detector
const (
	KindNegativeValue   = "negative_value"
	KindCounterDecrease = "counter_decrease"
	KindSpike           = "spike"
)

// Reading is one cumulative traffic reading of a device for a calendar day
type Reading struct {
	Day           string
	BytesSent     int64
	BytesReceived int64
}

func (r Reading) total() int64 {
	return r.BytesSent + r.BytesReceived
}

// Finding describes an anomalous reading. A zero Finding means none.
type Finding struct {
	Kind   string
	Reason string
}

// Anomalous reports whether anything was found
func (f Finding) Anomalous() bool {
	return f.Kind != ""
}

// Detector handles anomaly detection with configurable thresholds
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// Inspect checks a cumulative reading against the device's recent daily
// readings, oldest first. Readings of the same day as current are ignored.
func (d *Detector) Inspect(current Reading, recent []Reading) Finding {
	if current.BytesSent < 0 || current.BytesReceived < 0 {
		return Finding{Kind: KindNegativeValue, Reason: "negative value"}
	}

	previous := make([]Reading, 0, len(recent))
	for _, r := range recent {
		if r.Day != current.Day {
			previous = append(previous, r)
		}
	}
	if len(previous) == 0 {
		return Finding{}
	}

	last := previous[len(previous)-1]
	if current.BytesSent < last.BytesSent || current.BytesReceived < last.BytesReceived {
		return Finding{
			Kind: KindCounterDecrease,
			Reason: fmt.Sprintf("cumulative counter decreased since %s: sent %d -> %d, received %d -> %d",
				last.Day, last.BytesSent, current.BytesSent, last.BytesReceived, current.BytesReceived),
		}
	}

	var increments []float64
	for i := 1; i < len(previous); i++ {
		if inc := previous[i].total() - previous[i-1].total(); inc >= 0 {
			increments = append(increments, float64(inc))
		}
	}

	if isSpike, reason := d.DetectAnomaly(float64(current.total()-last.total()), increments); isSpike {
		return Finding{Kind: KindSpike, Reason: reason}
	}
	return Finding{}
}

// DetectAnomaly checks if a daily increment is anomalous based on the
// previous daily increments
func (d *Detector) DetectAnomaly(value float64, historicalValues []float64) (bool, string) {
	if value < 0 {
		return true, "negative value"
	}

	if len(historicalValues) < d.minDataPointsForDetection {
		return false, ""
	}

	sum := 0.0
	for _, v := range historicalValues {
		sum += v
	}
	average := sum / float64(len(historicalValues))

	if average > 0 && value > d.spikeThreshold*average {
		return true, fmt.Sprintf("sudden spike detected: daily usage %.0f bytes exceeds %.1fx rolling average %.0f",
			value, d.spikeThreshold, average)
	}

	return false, ""
}
