package sttllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
)

// TTSClient synthesizes prompt audio from text, bounded to a fixed number
// of concurrent in-flight requests (spec.md §5's max_parallel_tts). Not on
// the live call path: prompts are pre-recorded, so this is only exercised
// by internal/prompts.Recorder's offline prompt-generation helper.
type TTSClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

// NewTTSClient builds a TTSClient. maxParallel bounds concurrent requests.
func NewTTSClient(baseURL, token string, maxParallel int64, timeout time.Duration, logger *slog.Logger) *TTSClient {
	return &TTSClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      token,
		sem:        semaphore.NewWeighted(maxParallel),
		logger:     logger.With("component", "tts_client"),
	}
}

// Configured reports whether the client has a usable base URL and token.
func (c *TTSClient) Configured() bool { return c.baseURL != "" && c.token != "" }

// SynthesisResult is the provider's response to a synthesize request.
type SynthesisResult struct {
	Status   string
	Filename string
	URL      string
	Duration float64
}

type synthesizeRequest struct {
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker"`
	Speed     float64 `json:"speed"`
	Timestamp bool    `json:"timestamp"`
}

type synthesizeEnvelope struct {
	Status string `json:"status"`
	Data   struct {
		Filename string  `json:"filename"`
		URL      string  `json:"url"`
		Duration float64 `json:"duration"`
	} `json:"data"`
}

// Synthesize requests audio for text from the provider. speaker/speed
// default to "female"/1.0 when empty/zero, matching the original client.
func (c *TTSClient) Synthesize(ctx context.Context, text, speaker string, speed float64) (SynthesisResult, error) {
	if !c.Configured() {
		return SynthesisResult{}, fmt.Errorf("sttllm: tts client not configured")
	}
	if speaker == "" {
		speaker = "female"
	}
	if speed == 0 {
		speed = 1.0
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return SynthesisResult{}, fmt.Errorf("sttllm: acquiring tts slot: %w", err)
	}
	defer c.sem.Release(1)

	body, err := json.Marshal(synthesizeRequest{Text: text, Speaker: speaker, Speed: speed, Timestamp: false})
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("sttllm: marshalling tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("sttllm: building tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("gateway-token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("sttllm: tts request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusForbidden || isBalanceError(string(respBody)) {
		return SynthesisResult{}, &QuotaError{Provider: "tts", Reason: string(respBody)}
	}
	if resp.StatusCode >= 300 {
		return SynthesisResult{}, fmt.Errorf("sttllm: tts request: status %d: %s", resp.StatusCode, respBody)
	}

	var env synthesizeEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return SynthesisResult{}, fmt.Errorf("sttllm: decoding tts response: %w", err)
	}

	return SynthesisResult{
		Status:   env.Status,
		Filename: env.Data.Filename,
		URL:      env.Data.URL,
		Duration: env.Data.Duration,
	}, nil
}
