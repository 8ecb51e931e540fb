package sttllm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// LLMClient classifies transcripts into an intent via an OpenAI-style
// chat-completions endpoint, bounded to a fixed number of concurrent
// in-flight requests (spec.md §6, §5).
type LLMClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

// NewLLMClient builds an LLMClient. maxParallel bounds concurrent requests.
func NewLLMClient(baseURL, token string, maxParallel int64, timeout time.Duration, logger *slog.Logger) *LLMClient {
	return &LLMClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      token,
		sem:        semaphore.NewWeighted(maxParallel),
		logger:     logger.With("component", "llm_client"),
	}
}

// Configured reports whether the client has a usable base URL.
func (c *LLMClient) Configured() bool { return c.baseURL != "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat any           `json:"response_format,omitempty"`
	Stream         bool          `json:"stream,omitempty"`
}

// Complete sends a single-turn classification prompt and returns the
// assistant's full response content, accumulated across SSE chunks if the
// server streams.
func (c *LLMClient) Complete(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("sttllm: acquiring llm slot: %w", err)
	}
	defer c.sem.Release(1)

	reqBody := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: temperature,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("sttllm: marshalling llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.baseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("sttllm: building llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sttllm: llm request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("sttllm: reading llm response: %w", err)
	}

	if resp.StatusCode == http.StatusForbidden || isQuotaErrorBody(bodyBytes) {
		return "", &QuotaError{Provider: "llm", Reason: string(bodyBytes)}
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("sttllm: llm request: status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if looksLikeSSE(bodyBytes) {
		return parseSSEContent(bodyBytes)
	}
	return parseJSONContent(bodyBytes)
}

type chatErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func isQuotaErrorBody(body []byte) bool {
	var e chatErrorBody
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Error.Code == "pre_consume_token_quota_failed" {
			return true
		}
		if strings.Contains(strings.ToLower(e.Error.Message), "token quota is not enough") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(string(body)), "token quota is not enough")
}

// looksLikeSSE sniffs the first non-whitespace bytes of the response,
// per spec.md §9: treat the response as a stream whether or not the server
// declared SSE via Content-Type.
func looksLikeSSE(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("data:")) || bytes.HasPrefix(trimmed, []byte("event:"))
}

func parseSSEContent(body []byte) (string, error) {
	var sb strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("sttllm: scanning sse body: %w", err)
	}
	return sb.String(), nil
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func parseJSONContent(body []byte) (string, error) {
	var resp chatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("sttllm: decoding llm response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("sttllm: llm response had no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
