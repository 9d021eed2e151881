// Package profile resolves device limitation profiles from the device manager
// API, optionally through a Redis cache.
package profile

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/septivank/device-usage-worker/internal/logging"
	"github.com/septivank/device-usage-worker/internal/usage"
	"go.uber.org/zap"
)

const limitationPath = "%s://%s/devicemanager_api/api/v1.1/device/%s/data-profile-limitation"

// ClientConfig configures the device manager client
type ClientConfig struct {
	Protocol    string
	Host        string
	Timeout     time.Duration
	InsecureTLS bool
}

// Client fetches limitation profiles over HTTP
type Client struct {
	httpClient *http.Client
	protocol   string
	host       string
	logger     *zap.Logger
}

// NewClient creates a new device manager client
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "https"
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		protocol:   protocol,
		host:       cfg.Host,
		logger:     logger,
	}
}

type limitationResponse struct {
	Data struct {
		SerialNumber               string `json:"serialNumber"`
		BillingDayOfMonth          int    `json:"billingDayOfMonth"`
		VideoEventsDay             int64  `json:"videoEventsDay"`
		VideoEventsMonth           int64  `json:"videoEventsMonth"`
		LiveVideoMinutesMonth      int64  `json:"liveVideoMinutesMonth"`
		RecordingVideoMinutesMonth int64  `json:"recordingVideoMinutesMonth"`
	} `json:"data"`
}

// GetLimitation returns the limitation profile of the device
func (c *Client) GetLimitation(ctx context.Context, deviceID string) (usage.LimitationProfile, error) {
	logger := logging.WithDeviceID(logging.FromContext(ctx, c.logger), deviceID)
	url := fmt.Sprintf(limitationPath, c.protocol, c.host, deviceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return usage.LimitationProfile{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if requestID := logging.RequestIDFromContext(ctx); requestID != "" {
		req.Header.Set("x-request-id", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("device manager request failed", zap.String("url", url), zap.Error(err))
		return usage.LimitationProfile{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		remoteErr := &RemoteError{StatusCode: resp.StatusCode, Message: string(body)}
		if isNotFound(remoteErr) {
			logger.Warn("device is unknown to the device manager", zap.String("url", url))
		} else {
			logger.Error("device manager returned an error", zap.String("url", url), zap.Error(remoteErr))
		}
		return usage.LimitationProfile{}, remoteErr
	}

	var decoded limitationResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return usage.LimitationProfile{}, fmt.Errorf("decode response: %w", err)
	}

	profile := usage.LimitationProfile{
		DeviceID:                   decoded.Data.SerialNumber,
		BillingDayOfMonth:          decoded.Data.BillingDayOfMonth,
		DailyEventCap:              decoded.Data.VideoEventsDay,
		MonthlyEventCap:            decoded.Data.VideoEventsMonth,
		LiveVideoMinutesMonth:      decoded.Data.LiveVideoMinutesMonth,
		RecordingVideoMinutesMonth: decoded.Data.RecordingVideoMinutesMonth,
	}
	if profile.DeviceID == "" {
		profile.DeviceID = deviceID
	}

	logger.Debug("limitation profile fetched",
		zap.Int("billing_day", profile.BillingDayOfMonth),
		zap.Int64("daily_event_cap", profile.DailyEventCap),
		zap.Int64("monthly_event_cap", profile.MonthlyEventCap),
	)
	return profile, nil
}

// RemoteError represents an error status from the device manager
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("device manager error %d: %s", e.StatusCode, e.Message)
}

// isNotFound returns true if the device manager does not know the device
func isNotFound(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode == http.StatusNotFound
	}
	return false
}
