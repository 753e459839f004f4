package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/veloguard/veloguard/internal/coordinator"
)

const (
	defaultRPCTimeout   = 5 * time.Second
	defaultBatchTimeout = 10 * time.Second
)

// Coordinator is the control-plane surface the processor calls. Implemented
// by CoordinatorClient; mocked in tests.
type Coordinator interface {
	StartRide(ctx context.Context, deviceCode string) (string, error)
	EndRide(ctx context.Context, rideID string) error
	SaveTelemetryBatch(ctx context.Context, req coordinator.TelemetryBatchRequest) (int, error)
	LogDrowsinessEvent(ctx context.Context, req coordinator.DrowsinessEventRequest) error
	ReportCrash(ctx context.Context, req coordinator.CrashRequest) (coordinator.CrashResponse, error)
}

// CoordinatorClient talks HTTP to the ride coordinator. Batch flushes get a
// longer timeout than the small control RPCs.
type CoordinatorClient struct {
	log     *slog.Logger
	baseURL string

	rpc   *http.Client
	batch *http.Client
}

func NewCoordinatorClient(log *slog.Logger, baseURL string) (*CoordinatorClient, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if baseURL == "" {
		return nil, errors.New("coordinator url is required")
	}
	return &CoordinatorClient{
		log:     log,
		baseURL: strings.TrimRight(baseURL, "/"),
		rpc:     &http.Client{Timeout: defaultRPCTimeout},
		batch:   &http.Client{Timeout: defaultBatchTimeout},
	}, nil
}

func (c *CoordinatorClient) StartRide(ctx context.Context, deviceCode string) (string, error) {
	var resp coordinator.StartRideResponse
	err := c.post(ctx, c.rpc, "/rides/start", coordinator.StartRideRequest{DeviceID: deviceCode}, &resp)
	if err != nil {
		return "", err
	}
	return resp.RideID, nil
}

func (c *CoordinatorClient) EndRide(ctx context.Context, rideID string) error {
	return c.post(ctx, c.rpc, "/rides/"+rideID+"/end", struct{}{}, nil)
}

func (c *CoordinatorClient) SaveTelemetryBatch(ctx context.Context, req coordinator.TelemetryBatchRequest) (int, error) {
	var resp coordinator.TelemetryBatchResponse
	if err := c.post(ctx, c.batch, "/telemetry/batch", req, &resp); err != nil {
		return 0, err
	}
	return resp.RecordsInserted, nil
}

func (c *CoordinatorClient) LogDrowsinessEvent(ctx context.Context, req coordinator.DrowsinessEventRequest) error {
	return c.post(ctx, c.rpc, "/drowsiness-events", req, nil)
}

func (c *CoordinatorClient) ReportCrash(ctx context.Context, req coordinator.CrashRequest) (coordinator.CrashResponse, error) {
	var resp coordinator.CrashResponse
	if err := c.post(ctx, c.rpc, "/crash", req, &resp); err != nil {
		return coordinator.CrashResponse{}, err
	}
	return resp, nil
}

func (c *CoordinatorClient) post(ctx context.Context, client *http.Client, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("request to %s returned status %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}
