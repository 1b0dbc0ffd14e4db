package render

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
)

// Client talks to an external headless-browser service that returns the
// DOM of a page after its scripts have run.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.Renderer = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// Render asks the service for the resolved HTML of url. Service outages are
// transient; a page the service could not load is permanent.
func (c *Client) Render(ctx context.Context, url string) (string, error) {
	if c.endpoint == "" {
		return "", errors.Mark(errors.New("render endpoint not configured"), errors.ErrMisconfigured)
	}

	payload := map[string]any{
		"url":       url,
		"waitUntil": "networkidle",
	}

	var resp struct {
		HTML  string `json:"html"`
		Error string `json:"error"`
	}
	if err := c.post(ctx, "/render", payload, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", errors.Permanent(errors.Newf("render %s: %s", url, resp.Error))
	}
	return resp.HTML, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return errors.Permanent(errors.Wrap(err, "new request"))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "render cancelled")
		}
		return errors.Transient(errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := errors.Newf("unexpected status %s", resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return errors.Transient(statusErr)
		}
		return errors.Permanent(statusErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Permanent(errors.Wrap(err, "decode response"))
	}
	return nil
}
