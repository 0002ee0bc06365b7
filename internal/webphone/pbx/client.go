// Package pbx is the HTTP client for the PBX REST API: device inventory,
// click-to-call, and audio routing. It implements session.Backend.
package pbx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	types "github.com/sebas/callsign/api/types/v1"
	"github.com/sebas/callsign/internal/webphone/device"
)

// Client is an HTTP client for the PBX API.
type Client struct {
	baseURL    string
	extension  string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a PBX API client for one extension.
func NewClient(baseURL, extension, token string) *Client {
	return &Client{
		baseURL:   baseURL,
		extension: extension,
		token:     token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// BaseURL returns the PBX base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken swaps the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Health fetches health status from the PBX.
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	resp, err := c.get(ctx, "/api/v1/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health types.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &health, nil
}

// Devices implements session.Backend. It fetches the endpoint list for the
// extension and maps it into registry bindings.
func (c *Client) Devices(ctx context.Context) ([]device.Binding, error) {
	path := fmt.Sprintf("/api/v1/extensions/%s/devices", c.extension)
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list types.DevicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}

	bindings := make([]device.Binding, 0, len(list.Devices))
	for _, d := range list.Devices {
		bindings = append(bindings, device.Binding{
			ID:                 d.ID,
			Kind:               device.ParseKind(d.Type),
			DisplayName:        d.Name,
			RegistrationStatus: d.RegistrationStatus,
			MAC:                d.MAC,
		})
	}
	return bindings, nil
}

// ClickToCall implements session.Backend.
func (c *Client) ClickToCall(ctx context.Context, extension, destination, deviceID string) error {
	body := types.ClickToCallRequest{
		Extension:   extension,
		Destination: destination,
		DeviceID:    deviceID,
	}
	resp, err := c.post(ctx, "/api/v1/calls/click-to-call", body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// RouteAudio implements session.Backend.
func (c *Client) RouteAudio(ctx context.Context, deviceID string) error {
	body := types.AudioRouteRequest{DeviceID: deviceID}
	path := fmt.Sprintf("/api/v1/extensions/%s/audio-route", c.extension)
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// get performs an HTTP GET request
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp, nil
}

// post performs an HTTP POST request with a JSON body
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// apiError extracts the PBX error envelope, falling back to the status
// code.
func apiError(resp *http.Response) error {
	var envelope types.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != "" {
		return fmt.Errorf("pbx: %s (status %d)", envelope.Error, resp.StatusCode)
	}
	return fmt.Errorf("unexpected status: %d", resp.StatusCode)
}
