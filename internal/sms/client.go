// Package sms is a minimal client for the SMS gateway used to alert
// operators when the dialer pauses itself after a run of consecutive
// failures (spec.md §4.5 "Failure-streak alerting").
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// sendRequest is the payload posted to the gateway's advanced-send endpoint.
type sendRequest struct {
	From string   `json:"from"`
	To   []string `json:"to"`
	Text string   `json:"text"`
	UDH  string   `json:"udh"`
}

// Client is an HTTP client for the melipayamak-shaped SMS gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	sender     string
	admins     []string
	logger     *slog.Logger
}

// NewClient builds a Client. baseURL defaults to the public gateway host
// when empty, matching the original dialer's hardcoded endpoint.
func NewClient(baseURL, apiKey, sender string, admins []string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://console.melipayamak.com/api/send/advanced"
	}
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		sender:     sender,
		admins:     admins,
		logger:     logger.With("component", "sms"),
	}
}

// Configured reports whether the client has enough credentials to send.
func (c *Client) Configured() bool {
	return c.apiKey != "" && c.sender != ""
}

// SendAlert delivers text to the configured admin recipients. It implements
// dialer.SMSSender.
func (c *Client) SendAlert(ctx context.Context, text string) error {
	if !c.Configured() {
		c.logger.Warn("sms not configured, skipping alert", "text", text)
		return nil
	}
	if len(c.admins) == 0 {
		c.logger.Warn("no sms admin recipients configured, skipping alert")
		return nil
	}

	body, err := json.Marshal(sendRequest{
		From: c.sender,
		To:   c.admins,
		Text: text,
		UDH:  "",
	})
	if err != nil {
		return fmt.Errorf("sms: marshalling request: %w", err)
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sms: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sms: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("sms: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sms: gateway returned status %d: %s", resp.StatusCode, respBody)
	}

	c.logger.Info("sms alert sent", "recipients", len(c.admins))
	return nil
}
