// Package mlclient talks to the acceleration detection service, which turns
// pull request throughput series into velocity and acceleration trends.
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AccelerationRequest is one throughput series to analyze. Timestamps and
// Metrics must be the same length.
type AccelerationRequest struct {
	Timestamps     []time.Time `json:"timestamps"`
	Metrics        []float64   `json:"metrics"`
	SmoothingAlpha float64     `json:"smoothing_alpha,omitempty"`
}

// AccelerationResponse is the detector's verdict on a series.
type AccelerationResponse struct {
	CurrentVelocity     float64   `json:"current_velocity"`
	CurrentAcceleration float64   `json:"current_acceleration"`
	Trend               string    `json:"trend"`
	Confidence          float64   `json:"confidence"`
	VelocityHistory     []float64 `json:"velocity_history"`
	AccelerationHistory []float64 `json:"acceleration_history"`
}

// Client calls the acceleration service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client. A zero timeout defaults to 10 seconds.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CalculateAcceleration submits a throughput series for analysis.
func (c *Client) CalculateAcceleration(ctx context.Context, req AccelerationRequest) (*AccelerationResponse, error) {
	if len(req.Timestamps) != len(req.Metrics) {
		return nil, fmt.Errorf("mlclient: %d timestamps for %d metrics", len(req.Timestamps), len(req.Metrics))
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/calculate-acceleration", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mlclient: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("mlclient: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out AccelerationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("mlclient: decode response: %w", err)
	}
	return &out, nil
}

// Healthy reports whether the service answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
