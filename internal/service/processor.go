package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/device-usage-worker/internal/anomaly"
	"github.com/septivank/device-usage-worker/internal/clock"
	"github.com/septivank/device-usage-worker/internal/logging"
	"github.com/septivank/device-usage-worker/internal/traffic"
	"github.com/septivank/device-usage-worker/internal/usage"
	"github.com/septivank/device-usage-worker/internal/validator"
	"github.com/septivank/device-usage-worker/tools/timeparser"
	"go.uber.org/zap"
)

// recentReadingsLimit is how many daily traffic rows feed anomaly detection
const recentReadingsLimit = 10

// ErrUnknownRoutingKey is returned for messages no handler is bound to
var ErrUnknownRoutingKey = errors.New("unknown routing key")

// DiagnosticsMessage is the periodic device diagnostics report. Traffic values
// are cumulative MiB since activation.
type DiagnosticsMessage struct {
	RequestID   string  `json:"request_id"`
	DeviceID    string  `json:"device_id"`
	DataUsageTx float64 `json:"data_usage_tx"`
	DataUsageRx float64 `json:"data_usage_rx"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

// FactoryResetMessage announces that the cloud received a factory reset
type FactoryResetMessage struct {
	RequestID string `json:"request_id"`
	DeviceID  string `json:"device_id"`
}

// UploadResponseMessage reports bytes a device uploaded for a process
type UploadResponseMessage struct {
	RequestID     string `json:"request_id"`
	DeviceID      string `json:"device_id"`
	UploadedBytes int64  `json:"uploaded_bytes"`
	CorrelationID string `json:"correlation_id"`
}

// RoutingKeys names the routing keys the processor handles
type RoutingKeys struct {
	Diagnostics    string
	FactoryReset   string
	UploadResponse string
}

// All returns every handled routing key
func (k RoutingKeys) All() []string {
	return []string{k.Diagnostics, k.FactoryReset, k.UploadResponse}
}

// AnomalyRecorder counts flagged telemetry readings
type AnomalyRecorder interface {
	TelemetryAnomaly(kind string)
}

// ProcessorParams holds the collaborators of the processor service
type ProcessorParams struct {
	Usage       *usage.Service
	Traffic     *traffic.Tracker
	Detector    *anomaly.Detector
	Validator   *validator.Validator
	Recorder    AnomalyRecorder
	Clock       clock.Clock
	RoutingKeys RoutingKeys
	Timeout     time.Duration
	Logger      *zap.Logger
}

// ProcessorService handles message processing logic
type ProcessorService struct {
	usage     *usage.Service
	traffic   *traffic.Tracker
	detector  *anomaly.Detector
	validator *validator.Validator
	recorder  AnomalyRecorder
	clock     clock.Clock
	keys      RoutingKeys
	timeout   time.Duration
	logger    *zap.Logger
}

// NewProcessorService creates a new processor service
func NewProcessorService(p ProcessorParams) *ProcessorService {
	if p.Clock == nil {
		p.Clock = clock.Real{}
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	return &ProcessorService{
		usage:     p.Usage,
		traffic:   p.Traffic,
		detector:  p.Detector,
		validator: p.Validator,
		recorder:  p.Recorder,
		clock:     p.Clock,
		keys:      p.RoutingKeys,
		timeout:   p.Timeout,
		logger:    p.Logger,
	}
}

// ProcessMessage dispatches a consumed message by routing key. Only messages
// that cannot be decoded or routed return an error; failures of the usage
// operations are logged and the message is acknowledged.
func (s *ProcessorService) ProcessMessage(ctx context.Context, routingKey string, body []byte) error {
	switch routingKey {
	case s.keys.Diagnostics:
		return s.processDiagnostics(ctx, body)
	case s.keys.FactoryReset:
		return s.processFactoryReset(ctx, body)
	case s.keys.UploadResponse:
		return s.processUploadResponse(ctx, body)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownRoutingKey, routingKey)
	}
}

// scope derives the per-message context: timeout, request id and logger
func (s *ProcessorService) scope(ctx context.Context, requestID, deviceID string) (context.Context, context.CancelFunc, *zap.Logger) {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	logger := logging.WithDeviceID(logging.WithRequestID(s.logger, requestID), deviceID)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	ctx = logging.ContextWithRequestID(ctx, requestID)
	ctx = logging.NewContext(ctx, logger)
	return ctx, cancel, logger
}

func (s *ProcessorService) processDiagnostics(ctx context.Context, body []byte) error {
	var msg DiagnosticsMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal diagnostics message: %w", err)
	}

	ctx, cancel, logger := s.scope(ctx, msg.RequestID, msg.DeviceID)
	defer cancel()

	receivedAt := s.clock.Now()
	_, result := s.validator.ValidateTelemetry(validator.Telemetry{
		DeviceID:    msg.DeviceID,
		SentMiB:     msg.DataUsageTx,
		ReceivedMiB: msg.DataUsageRx,
		Timestamp:   msg.Timestamp,
	}, receivedAt)

	if result.Rejected {
		logger.Warn("diagnostics reading rejected", zap.String("reason", result.AnomalyReason))
		s.recordAnomaly("rejected")
		return nil
	}
	if !result.IsValid {
		logger.Warn("diagnostics reading flagged", zap.String("reason", result.AnomalyReason))
		s.recordAnomaly("invalid")
	}

	bytesSent := validator.BytesFromMiB(msg.DataUsageTx)
	bytesReceived := validator.BytesFromMiB(msg.DataUsageRx)
	logger.Info("received diagnostics message from device",
		zap.Float64("data_usage_tx_mib", msg.DataUsageTx),
		zap.Float64("data_usage_rx_mib", msg.DataUsageRx),
		zap.Int64("bytes_sent", bytesSent),
		zap.Int64("bytes_received", bytesReceived),
	)

	s.inspect(ctx, logger, msg.DeviceID, bytesSent, bytesReceived)
	s.traffic.Record(ctx, msg.DeviceID, bytesSent, bytesReceived, "")

	if bytesSent == 0 && bytesReceived == 0 {
		logger.Info("diagnostics message after factory reset from device side")
		if _, err := s.usage.CreateDefault(ctx, msg.DeviceID); err != nil {
			logger.Error("failed to create default counters after device factory reset", zap.Error(err))
		}
	}

	return nil
}

// inspect runs anomaly detection against recent daily rows. Findings are
// advisory.
func (s *ProcessorService) inspect(ctx context.Context, logger *zap.Logger, deviceID string, bytesSent, bytesReceived int64) {
	if s.detector == nil {
		return
	}

	recent, err := s.traffic.Recent(ctx, deviceID, recentReadingsLimit)
	if err != nil {
		logger.Warn("failed to get recent mobile traffic for anomaly detection", zap.Error(err))
		return
	}

	readings := make([]anomaly.Reading, 0, len(recent))
	for _, r := range recent {
		readings = append(readings, anomaly.Reading{
			Day:           r.CreatedDate,
			BytesSent:     r.BytesSent,
			BytesReceived: r.BytesReceived,
		})
	}

	current := anomaly.Reading{
		Day:           timeparser.FormatDay(s.clock.Now()),
		BytesSent:     bytesSent,
		BytesReceived: bytesReceived,
	}
	if finding := s.detector.Inspect(current, readings); finding.Anomalous() {
		logger.Warn("mobile traffic anomaly detected",
			zap.String("kind", finding.Kind),
			zap.String("reason", finding.Reason),
		)
		s.recordAnomaly(finding.Kind)
	}
}

func (s *ProcessorService) processFactoryReset(ctx context.Context, body []byte) error {
	var msg FactoryResetMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal factory reset message: %w", err)
	}

	ctx, cancel, logger := s.scope(ctx, msg.RequestID, msg.DeviceID)
	defer cancel()

	logger.Info("factory reset message consumed")
	if msg.DeviceID == "" {
		logger.Warn("factory reset message without device id, skipped")
		return nil
	}

	if _, err := s.usage.CreateDefault(ctx, msg.DeviceID); err != nil {
		logger.Error("failed to create default counters on factory reset", zap.Error(err))
	}
	return nil
}

func (s *ProcessorService) processUploadResponse(ctx context.Context, body []byte) error {
	var msg UploadResponseMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal upload response message: %w", err)
	}

	ctx, cancel, logger := s.scope(ctx, msg.RequestID, msg.DeviceID)
	defer cancel()

	if msg.DeviceID == "" {
		logger.Warn("upload response without device id, skipped")
		return nil
	}

	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = msg.RequestID
	}

	if err := s.usage.SaveUploadedBytes(ctx, msg.DeviceID, msg.UploadedBytes, correlationID); err != nil {
		logger.Error("failed to save uploaded bytes", zap.Error(err))
	}
	return nil
}

func (s *ProcessorService) recordAnomaly(kind string) {
	if s.recorder != nil {
		s.recorder.TelemetryAnomaly(kind)
	}
}
