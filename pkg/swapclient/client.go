/**
 * @description
 * This package provides a client for the face-swap inference service. The
 * entitlement server never runs inference itself; once a request is admitted
 * it is forwarded here and the raw result is relayed back to the caller.
 *
 * @dependencies
 * - bytes, context, fmt, io, net/http, time: Standard Go libraries.
 */
package swapclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a client for the inference API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new inference API client. Inference is slow, so the
// timeout is generous compared to the rest of the service.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// SwapResult carries the inference response back to the HTTP layer verbatim.
type SwapResult struct {
	ContentType string
	Body        []byte
}

// Swap forwards a swap request body to the inference service and returns the
// raw response. The caller's body is relayed untouched, content type included.
func (c *Client) Swap(ctx context.Context, contentType string, payload []byte) (*SwapResult, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create swap request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute swap request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read swap response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("inference service returned status %d", resp.StatusCode)
	}

	return &SwapResult{
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
