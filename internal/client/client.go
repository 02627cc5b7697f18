// Package client is a small HTTP client for the branchops device endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Client talks to the branchops API on behalf of a recorder.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Heartbeat is the liveness payload of a device.
type Heartbeat struct {
	IPAddress  string `json:"ip_address"`
	MACAddress string `json:"mac_address,omitempty"`
}

// HeartbeatAck is returned for an accepted heartbeat.
type HeartbeatAck struct {
	Message    string    `json:"message"`
	Identity   string    `json:"identity"`
	ReceivedAt time.Time `json:"received_at"`
}

// Recording describes one captured session for upload.
type Recording struct {
	CNIC       string
	StartTime  time.Time
	EndTime    *time.Time
	IPAddress  string
	MACAddress string
	FileName   string
	Audio      io.Reader
}

// HealthStatus represents the service health
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %d - %s", e.StatusCode, e.Message)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// Health checks the service health
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var health HealthStatus
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// SendHeartbeat posts one heartbeat.
func (c *Client) SendHeartbeat(ctx context.Context, hb Heartbeat) (*HeartbeatAck, error) {
	var ack HeartbeatAck
	if err := c.doJSON(ctx, http.MethodPost, "/api/heartbeats", hb, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// UploadRecording sends recording metadata and optional audio as multipart form data.
func (c *Client) UploadRecording(ctx context.Context, rec Recording) (map[string]interface{}, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"cnic":        rec.CNIC,
		"start_time":  rec.StartTime.UTC().Format(time.RFC3339),
		"ip_address":  rec.IPAddress,
		"mac_address": rec.MACAddress,
	}
	if rec.EndTime != nil {
		fields["end_time"] = rec.EndTime.UTC().Format(time.RFC3339)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if rec.Audio != nil {
		part, err := w.CreateFormFile("audio", rec.FileName)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, rec.Audio); err != nil {
			return nil, fmt.Errorf("failed to read audio: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/voice/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var created map[string]interface{}
	if err := c.do(req, &created); err != nil {
		return nil, err
	}
	return created, nil
}
