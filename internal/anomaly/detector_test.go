package anomaly_test

import (
	"testing"

	"github.com/septivank/device-usage-worker/internal/anomaly"
)

const (
	testSpikeThreshold            = 3.0
	testMinDataPointsForDetection = 3
)

// steadyWeek grows by 100 bytes a day
func steadyWeek() []anomaly.Reading {
	return []anomaly.Reading{
		{Day: "2025-12-01", BytesSent: 50, BytesReceived: 50},
		{Day: "2025-12-02", BytesSent: 100, BytesReceived: 100},
		{Day: "2025-12-03", BytesSent: 150, BytesReceived: 150},
		{Day: "2025-12-04", BytesSent: 200, BytesReceived: 200},
		{Day: "2025-12-05", BytesSent: 250, BytesReceived: 250},
	}
}

func TestDetectAnomaly_NegativeValue(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, reason := detector.DetectAnomaly(-10.5, []float64{100, 105, 98})

	if !isAnomaly {
		t.Error("Expected anomaly for negative value")
	}

	if reason != "negative value" {
		t.Errorf("Expected reason 'negative value', got '%s'", reason)
	}
}

func TestDetectAnomaly_SuddenSpike(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, reason := detector.DetectAnomaly(350, []float64{100, 105, 98, 102, 99})

	if !isAnomaly {
		t.Error("Expected anomaly for sudden spike")
	}

	if reason == "" {
		t.Error("Expected reason for spike anomaly")
	}
}

func TestDetectAnomaly_InsufficientData(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, _ := detector.DetectAnomaly(300, []float64{100, 105})

	if isAnomaly {
		t.Error("Should not detect spike with insufficient historical data")
	}
}

func TestInspect_NormalGrowth(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	current := anomaly.Reading{Day: "2025-12-06", BytesSent: 300, BytesReceived: 300}
	finding := detector.Inspect(current, steadyWeek())

	if finding.Anomalous() {
		t.Errorf("Expected no anomaly, got %s: %s", finding.Kind, finding.Reason)
	}
}

func TestInspect_Spike(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	current := anomaly.Reading{Day: "2025-12-06", BytesSent: 500, BytesReceived: 500}
	finding := detector.Inspect(current, steadyWeek())

	if finding.Kind != anomaly.KindSpike {
		t.Errorf("Expected spike, got '%s'", finding.Kind)
	}
}

func TestInspect_CounterDecrease(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	current := anomaly.Reading{Day: "2025-12-06", BytesSent: 10, BytesReceived: 400}
	finding := detector.Inspect(current, steadyWeek())

	if finding.Kind != anomaly.KindCounterDecrease {
		t.Errorf("Expected counter decrease, got '%s'", finding.Kind)
	}
}

func TestInspect_NegativeValue(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	finding := detector.Inspect(anomaly.Reading{Day: "2025-12-06", BytesSent: -1}, nil)

	if finding.Kind != anomaly.KindNegativeValue {
		t.Errorf("Expected negative value, got '%s'", finding.Kind)
	}
}

func TestInspect_IgnoresSameDayRow(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	recent := append(steadyWeek(), anomaly.Reading{Day: "2025-12-06", BytesSent: 900, BytesReceived: 900})
	current := anomaly.Reading{Day: "2025-12-06", BytesSent: 310, BytesReceived: 310}

	if finding := detector.Inspect(current, recent); finding.Anomalous() {
		t.Errorf("Expected no anomaly against earlier days, got %s: %s", finding.Kind, finding.Reason)
	}
}

func TestInspect_NoHistory(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	if finding := detector.Inspect(anomaly.Reading{Day: "2025-12-06", BytesSent: 1 << 40}, nil); finding.Anomalous() {
		t.Errorf("Expected no anomaly without history, got %s", finding.Kind)
	}
}
