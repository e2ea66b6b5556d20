// internal/scan/client.go
// Package scan provides a client for the remote virus-scanning service.
// The scanner fetches objects from storage itself; this client only submits
// the object key and interprets the verdict.
package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Verdict is the outcome of a scan.
type Verdict struct {
	Clean  bool   `json:"clean"`
	Threat string `json:"threat,omitempty"` // Threat name when not clean
}

// Scanner is the virus-scanning surface the scan worker depends on.
type Scanner interface {
	Scan(ctx context.Context, storageKey string) (Verdict, error)
}

// Client talks to the remote scanner over HTTP.
type Client struct {
	base string       // Base URL of the scanner service
	hc   *http.Client // HTTP client with custom configuration
}

// New creates a scanner client for the given base URL. Scans can take a while
// on large objects, so the request timeout is generous while the dial timeout
// stays short.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 2 * time.Minute},
	}
}

// Scan submits an object key for scanning and returns the verdict.
func (c *Client) Scan(ctx context.Context, storageKey string) (Verdict, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return Verdict{}, fmt.Errorf("invalid scanner URL: %w", err)
	}
	u.Path = "/v1/scan"

	body, err := json.Marshal(map[string]string{"key": storageKey})
	if err != nil {
		return Verdict{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("scan request failed: %s", resp.Status)
	}

	var verdict Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

// NoopScanner reports every object clean. Used when scanning is disabled.
type NoopScanner struct{}

func (NoopScanner) Scan(ctx context.Context, storageKey string) (Verdict, error) {
	return Verdict{Clean: true}, nil
}
