// Package billing reads the platform cost summary from the billing service.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/notify_hook/internal/delivery"
	"github.com/austindbirch/notify_hook/internal/tracing"
)

const summaryPath = "/api/v1/billing/summary"

// Client implements delivery.CostSource
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Summary fetches the current billing summary
func (c *Client) Summary(ctx context.Context) (*delivery.CostSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+summaryPath, nil)
	if err != nil {
		return nil, fmt.Errorf("billing: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	tracing.InjectHTTPHeaders(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("billing: %s: %w", delivery.ClassifyFailure(err, 0), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("billing: %s: HTTP %d", delivery.ClassifyFailure(nil, resp.StatusCode), resp.StatusCode)
	}

	var summary delivery.CostSummary
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&summary); err != nil {
		return nil, fmt.Errorf("billing: decode summary: %w", err)
	}
	return &summary, nil
}

var _ delivery.CostSource = (*Client)(nil)
