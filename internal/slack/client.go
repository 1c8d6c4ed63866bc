// Package slack posts messages with the Slack Web API chat.postMessage method.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/notify_hook/internal/delivery"
	"github.com/austindbirch/notify_hook/internal/logging"
	"github.com/austindbirch/notify_hook/internal/tracing"
)

const (
	DefaultAPIURL   = "https://slack.com/api"
	defaultFallback = "Remediation PR notification"
	errInvalidBlock = "invalid_blocks"
)

// Client implements delivery.ChatPort
type Client struct {
	apiURL     string
	token      string
	channel    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient posts to channel unless a message names its own
func NewClient(apiURL, botToken, channel string, timeout time.Duration, logger *logging.Logger) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if logger == nil {
		logger = logging.New("notifier")
	}
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		token:      botToken,
		channel:    channel,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type postMessageRequest struct {
	Channel string           `json:"channel"`
	Text    string           `json:"text"`
	Blocks  []delivery.Block `json:"blocks,omitempty"`
}

type postMessageResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Channel string `json:"channel,omitempty"`
	TS      string `json:"ts,omitempty"`
}

// PostMessage returns a non-nil error only when the HTTP exchange itself
// failed. Slack's application errors come back as ChatAck{OK: false}.
func (c *Client) PostMessage(ctx context.Context, msg delivery.Message) (delivery.ChatAck, error) {
	req := postMessageRequest{
		Channel: msg.Channel,
		Text:    msg.Text,
		Blocks:  msg.Blocks,
	}
	if req.Channel == "" {
		req.Channel = c.channel
	}
	if req.Text == "" {
		req.Text = defaultFallback
	}

	ack, err := c.post(ctx, req)
	if err != nil {
		return delivery.ChatAck{}, err
	}
	// A rejected block payload posted nothing, so the text-only retry cannot duplicate
	if !ack.OK && ack.Error == errInvalidBlock && len(req.Blocks) > 0 {
		c.logger.WithContext(ctx).WithChannel("chat").Warn("Slack rejected blocks, retrying with text only")
		req.Blocks = nil
		return c.post(ctx, req)
	}
	return ack, nil
}

func (c *Client) post(ctx context.Context, body postMessageRequest) (delivery.ChatAck, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return delivery.ChatAck{}, fmt.Errorf("slack: encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return delivery.ChatAck{}, fmt.Errorf("slack: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	tracing.InjectHTTPHeaders(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return delivery.ChatAck{}, fmt.Errorf("slack: %s: %w", delivery.ClassifyFailure(err, 0), err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return delivery.ChatAck{}, fmt.Errorf("slack: %s: HTTP %d", delivery.ClassifyFailure(nil, resp.StatusCode), resp.StatusCode)
	}

	var out postMessageResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return delivery.ChatAck{}, fmt.Errorf("slack: decode response: %w", err)
	}
	ack := delivery.ChatAck{OK: out.OK, Error: out.Error, Channel: out.Channel, Timestamp: out.TS}
	if !ack.OK && ack.Error == "" {
		ack.Error = "unknown_error"
	}
	return ack, nil
}

var _ delivery.ChatPort = (*Client)(nil)
