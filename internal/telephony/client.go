package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client is a typed REST client for the PBX's control surface (spec.md §4.1).
// It mirrors the shape of the teacher's push.Client: a thin struct around
// *http.Client plus base URL and credentials, one method per RPC.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	appName    string
	logger     *slog.Logger
}

// New creates a telephony Client.
func New(baseURL, username, password, appName string, timeout time.Duration, maxConnsPerHost int, logger *slog.Logger) *Client {
	transport := &http.Transport{MaxConnsPerHost: maxConnsPerHost}
	return &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		baseURL:    baseURL,
		username:   username,
		password:   password,
		appName:    appName,
		logger:     logger.With("component", "telephony_client"),
	}
}

// isNotFoundOK is the set of operations where a 404 from the PBX is treated
// as success (the entity is already gone), per spec.md §4.1.
func isNotFoundOK(op string) bool {
	switch op {
	case "hangup_channel", "delete_bridge":
		return true
	default:
		return false
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any, out any) error {
	start := time.Now()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("telephony: marshalling %s request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("telephony: building %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: %s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	c.logger.Debug("ari call", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode == http.StatusNotFound && isNotFoundOK(op) {
		c.logger.Debug("404 on cleanup op, treating as success", "op", op)
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telephony: %s: status %d: %s", op, resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("telephony: %s: decoding response: %w", op, err)
		}
	}
	return nil
}

// CreateBridge creates a new mixing bridge of the given name and type.
func (c *Client) CreateBridge(ctx context.Context, name, bridgeType string) (*Bridge, error) {
	q := url.Values{"bridgeId": {name}, "type": {bridgeType}}
	var b Bridge
	if err := c.do(ctx, "create_bridge", http.MethodPost, "/bridges", q, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteBridge destroys a bridge. 404 is treated as success.
func (c *Client) DeleteBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, "delete_bridge", http.MethodDelete, "/bridges/"+bridgeID, nil, nil, nil)
}

// AddChannelToBridge joins a channel to a bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	return c.do(ctx, "add_channel_to_bridge", http.MethodPost, "/bridges/"+bridgeID+"/addChannel", q, nil, nil)
}

// RemoveChannelFromBridge removes a channel from a bridge.
func (c *Client) RemoveChannelFromBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	return c.do(ctx, "remove_channel_from_bridge", http.MethodPost, "/bridges/"+bridgeID+"/removeChannel", q, nil, nil)
}

// AnswerChannel answers an inbound channel.
func (c *Client) AnswerChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, "answer_channel", http.MethodPost, "/channels/"+channelID+"/answer", nil, nil, nil)
}

// HangupChannel terminates a channel with the given reason. 404 is success.
func (c *Client) HangupChannel(ctx context.Context, channelID, reason string) error {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	return c.do(ctx, "hangup_channel", http.MethodDelete, "/channels/"+channelID, q, nil, nil)
}

// PlayOnChannel starts media playback on a channel and returns the playback id.
func (c *Client) PlayOnChannel(ctx context.Context, channelID, media, lang string) (string, error) {
	q := url.Values{"media": {media}}
	if lang != "" {
		q.Set("lang", lang)
	}
	var pb Playback
	if err := c.do(ctx, "play_on_channel", http.MethodPost, "/channels/"+channelID+"/play", q, nil, &pb); err != nil {
		return "", err
	}
	return pb.ID, nil
}

// StopPlayback stops an in-progress playback.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.do(ctx, "stop_playback", http.MethodDelete, "/playbacks/"+playbackID, nil, nil, nil)
}

// RecordChannel records a single channel's audio to a named file.
func (c *Client) RecordChannel(ctx context.Context, channelID, name string, maxDuration, maxSilence int, format string) error {
	q := url.Values{
		"name":        {name},
		"maxDurationSeconds": {itoa(maxDuration)},
		"maxSilenceSeconds":  {itoa(maxSilence)},
		"format":      {format},
	}
	return c.do(ctx, "record_channel", http.MethodPost, "/channels/"+channelID+"/record", q, nil, nil)
}

// RecordBridge records the mixed audio of a bridge to a named file.
func (c *Client) RecordBridge(ctx context.Context, bridgeID, name string, maxDuration, maxSilence int, format string) error {
	q := url.Values{
		"name":        {name},
		"maxDurationSeconds": {itoa(maxDuration)},
		"maxSilenceSeconds":  {itoa(maxSilence)},
		"format":      {format},
	}
	return c.do(ctx, "record_bridge", http.MethodPost, "/bridges/"+bridgeID+"/record", q, nil, nil)
}

// FetchStoredRecording downloads the bytes of a completed recording.
func (c *Client) FetchStoredRecording(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/recordings/stored/"+name+"/file", nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: fetch_stored_recording: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: fetch_stored_recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telephony: fetch_stored_recording: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

// Originate places an outbound call. app_args are passed through to the
// application the channel enters once it reaches Stasis, per spec.md §6.
func (c *Client) Originate(ctx context.Context, endpoint string, appArgs []string, callerID string, timeout time.Duration, variables map[string]string) (string, error) {
	q := url.Values{
		"endpoint": {endpoint},
		"app":      {c.appName},
		"timeout":  {itoa(int(timeout.Seconds()))},
	}
	for _, a := range appArgs {
		q.Add("appArgs", a)
	}
	if callerID != "" {
		q.Set("callerId", callerID)
	}
	body := map[string]any{}
	if len(variables) > 0 {
		body["variables"] = variables
	}
	var res OriginateResult
	if err := c.do(ctx, "originate", http.MethodPost, "/channels", q, body, &res); err != nil {
		return "", err
	}
	return res.ChannelID, nil
}

// GetChannelVariable reads a channel variable, returning (value, true) if set.
func (c *Client) GetChannelVariable(ctx context.Context, channelID, name string) (string, bool, error) {
	q := url.Values{"variable": {name}}
	var out struct {
		Value string `json:"value"`
	}
	if err := c.do(ctx, "get_channel_variable", http.MethodGet, "/channels/"+channelID+"/variable", q, nil, &out); err != nil {
		return "", false, err
	}
	return out.Value, out.Value != "", nil
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
