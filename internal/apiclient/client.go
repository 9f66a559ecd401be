// Package apiclient polls the iotpulse read API.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iotpulse/internal/models"
)

// Client is a thin HTTP client for the read API.
type Client struct {
	baseURL string
	http    *http.Client
}

// APIError is a non-2xx answer or an {"ok":false} body.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("request failed: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// History is one device's telemetry and event window, both chronological.
type History struct {
	DeviceID  string                   `json:"device_id"`
	Telemetry []models.TelemetrySample `json:"telemetry"`
	Events    []models.VisionEvent     `json:"events"`
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Devices fetches the full device roster.
func (c *Client) Devices(ctx context.Context) ([]models.Device, error) {
	var resp struct {
		envelope
		Devices []models.Device `json:"devices"`
	}
	if err := c.getJSON(ctx, "/api?api=devices", &resp, &resp.envelope); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// History fetches the newest rows for deviceID. The server clamps the limits.
func (c *Client) History(ctx context.Context, deviceID string, telLimit, evtLimit int) (History, error) {
	q := url.Values{}
	q.Set("api", "history")
	q.Set("device_id", deviceID)
	q.Set("tel_limit", strconv.Itoa(telLimit))
	q.Set("evt_limit", strconv.Itoa(evtLimit))

	var resp struct {
		envelope
		History
	}
	if err := c.getJSON(ctx, "/api?"+q.Encode(), &resp, &resp.envelope); err != nil {
		return History{}, err
	}
	resp.History.DeviceID = deviceID
	return resp.History, nil
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *Client) getJSON(ctx context.Context, path string, out any, env *envelope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		var e envelope
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return &APIError{Status: res.StatusCode, Message: e.Error}
		}
		return &APIError{Status: res.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if !env.OK {
		return &APIError{Status: res.StatusCode, Message: env.Error}
	}
	return nil
}
