package sttllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// STTClient transcribes recorded audio via a multipart POST, bounded to a
// fixed number of concurrent in-flight requests (spec.md §6, §5).
type STTClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

// NewSTTClient builds an STTClient. maxParallel bounds concurrent requests.
func NewSTTClient(baseURL, token string, maxParallel int64, timeout time.Duration, logger *slog.Logger) *STTClient {
	return &STTClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      token,
		sem:        semaphore.NewWeighted(maxParallel),
		logger:     logger.With("component", "stt_client"),
	}
}

// Configured reports whether the client has a usable base URL.
func (c *STTClient) Configured() bool { return c.baseURL != "" }

// TranscribeOptions tunes one transcription request (spec.md §6).
type TranscribeOptions struct {
	Model              string
	Hotwords           []string
	SRT                bool
	InverseNormalizer  bool
	Timestamp          bool
	SpokenPunctuation  bool
	Punctuation        bool
	NumSpeakers        int
	Diarize            bool
}

// Transcribe uploads audio and returns the recognized text. It blocks on
// the semaphore until a slot is available or ctx is cancelled.
func (c *STTClient) Transcribe(ctx context.Context, audio []byte, filename string, opts TranscribeOptions) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("sttllm: acquiring stt slot: %w", err)
	}
	defer c.sem.Release(1)

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	part, err := w.CreateFormFile("audio", filename)
	if err != nil {
		return "", fmt.Errorf("sttllm: building multipart body: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("sttllm: writing audio part: %w", err)
	}

	_ = w.WriteField("model", opts.Model)
	_ = w.WriteField("srt", strconv.FormatBool(opts.SRT))
	_ = w.WriteField("inverseNormalizer", strconv.FormatBool(opts.InverseNormalizer))
	_ = w.WriteField("timestamp", strconv.FormatBool(opts.Timestamp))
	_ = w.WriteField("spokenPunctuation", strconv.FormatBool(opts.SpokenPunctuation))
	_ = w.WriteField("punctuation", strconv.FormatBool(opts.Punctuation))
	_ = w.WriteField("numSpeakers", strconv.Itoa(opts.NumSpeakers))
	_ = w.WriteField("diarize", strconv.FormatBool(opts.Diarize))
	for _, h := range opts.Hotwords {
		_ = w.WriteField("hotwords[]", h)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("sttllm: closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, body)
	if err != nil {
		return "", fmt.Errorf("sttllm: building stt request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.token != "" {
		req.Header.Set("gateway-token", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sttllm: stt request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusForbidden || isBalanceError(string(respBody)) {
		return "", &QuotaError{Provider: "stt", Reason: string(respBody)}
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("sttllm: stt request: status %d: %s", resp.StatusCode, string(respBody))
	}

	text, ok := extractTranscript(respBody)
	if !ok || strings.TrimSpace(text) == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}

func isBalanceError(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "balanceerror") || strings.Contains(lower, "credit is below the set threshold")
}

// sttEnvelope is the nested response shape the STT provider uses; several
// synonym fields are tried since the provider has shipped more than one
// variant of the nesting over time.
type sttEnvelope struct {
	Status string `json:"status"`
	Data   struct {
		Data struct {
			AIResponse struct {
				Result struct {
					Text string `json:"text"`
				} `json:"result"`
			} `json:"aiResponse"`
		} `json:"data"`
		Text string `json:"text"`
	} `json:"data"`
	Text string `json:"text"`
}

func extractTranscript(raw []byte) (string, bool) {
	var env sttEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", false
	}
	if t := env.Data.Data.AIResponse.Result.Text; t != "" {
		return t, true
	}
	if t := env.Data.Text; t != "" {
		return t, true
	}
	if env.Text != "" {
		return env.Text, true
	}
	return "", false
}
