package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/voxdialer/voxdialer/internal/outbox"
)

// durableQueue is the subset of *outbox.Outbox the panel client needs.
type durableQueue interface {
	Enqueue(ctx context.Context, sessionID, payload string) error
	Pending(ctx context.Context) ([]outbox.Entry, error)
	MarkDelivered(ctx context.Context, id int64) error
	BumpAttempt(ctx context.Context, id int64) error
}

// Client talks to the panel's dialer API: fetching work batches and
// rosters, and posting outcome reports with local queueing on failure
// (spec.md §4.4, §6).
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	company    string

	mu      sync.Mutex
	queue   []Report // in-memory fallback when no durable queue is wired
	durable durableQueue

	logger *slog.Logger
}

// NewClient builds a panel Client.
func NewClient(baseURL, token, company string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      token,
		company:    company,
		logger:     logger.With("component", "panel_client"),
	}
}

// SetDurableQueue wires a persistent backing store in after construction.
func (c *Client) SetDurableQueue(dq durableQueue) { c.durable = dq }

// Configured reports whether the client has a usable base URL.
func (c *Client) Configured() bool { return c.baseURL != "" }

func (c *Client) authHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// NextBatch fetches a new batch of contacts sized to the caller's available
// capacity, flushing any previously queued reports first.
func (c *Client) NextBatch(ctx context.Context, size int) (*NextBatchResponse, error) {
	c.FlushQueue(ctx)

	q := url.Values{"size": {fmt.Sprintf("%d", size)}}
	if c.company != "" {
		q.Set("company", c.company)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/dialer/next-batch?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("panel: building next-batch request: %w", err)
	}
	c.authHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("panel: next-batch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("panel: reading next-batch response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("panel: next-batch: status %d: %s", resp.StatusCode, string(body))
	}

	var out NextBatchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("panel: decoding next-batch response: %w", err)
	}
	return &out, nil
}

// ReportResult posts a single session's outcome. On transport failure the
// report is queued locally (durably if a queue is wired) and nil is
// returned: reporting failures never propagate to the caller, since the
// exactly-once guarantee is satisfied by the queue-and-retry path instead.
func (c *Client) ReportResult(ctx context.Context, report Report) error {
	if err := c.postReport(ctx, report); err != nil {
		c.logger.Warn("report-result failed, queueing for retry", "error", err)
		c.enqueue(ctx, report)
	}
	return nil
}

func (c *Client) postReport(ctx context.Context, report Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("panel: marshalling report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/dialer/report-result", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("panel: building report-result request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("panel: report-result: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("panel: report-result: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) enqueue(ctx context.Context, report Report) {
	if !report.HasIdentity() {
		c.logger.Warn("dropping report with no number_id or phone_number", "scenario", report.Scenario)
		return
	}
	if c.durable != nil {
		payload, err := json.Marshal(report)
		if err == nil {
			if err := c.durable.Enqueue(ctx, report.PhoneNumber, string(payload)); err == nil {
				return
			}
		}
		c.logger.Error("durable enqueue failed, falling back to in-memory queue")
	}
	c.mu.Lock()
	c.queue = append(c.queue, report)
	c.mu.Unlock()
}

// FlushQueue attempts to redeliver every queued report once. Entries that
// fail again are requeued and flushing stops for this round (spec.md §4.4).
func (c *Client) FlushQueue(ctx context.Context) {
	if c.durable != nil {
		c.flushDurable(ctx)
		return
	}

	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	var requeue []Report
	for i, report := range pending {
		if err := c.postReport(ctx, report); err != nil {
			requeue = append(requeue, pending[i:]...)
			break
		}
	}
	if len(requeue) > 0 {
		c.mu.Lock()
		c.queue = append(requeue, c.queue...)
		c.mu.Unlock()
	}
}

func (c *Client) flushDurable(ctx context.Context) {
	pending, err := c.durable.Pending(ctx)
	if err != nil {
		c.logger.Error("listing pending reports failed", "error", err)
		return
	}
	for _, entry := range pending {
		var report Report
		if err := json.Unmarshal([]byte(entry.Payload), &report); err != nil {
			c.logger.Error("dropping unparseable queued report", "id", entry.ID, "error", err)
			_ = c.durable.MarkDelivered(ctx, entry.ID)
			continue
		}
		if err := c.postReport(ctx, report); err != nil {
			_ = c.durable.BumpAttempt(ctx, entry.ID)
			break
		}
		_ = c.durable.MarkDelivered(ctx, entry.ID)
	}
}

// RegisterScenarios announces the scenarios this process knows about.
func (c *Client) RegisterScenarios(ctx context.Context, names []string) error {
	payload, err := json.Marshal(map[string][]string{"scenarios": names})
	if err != nil {
		return fmt.Errorf("panel: marshalling register-scenarios: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/dialer/register-scenarios", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("panel: building register-scenarios request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("panel: register-scenarios: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("panel: register-scenarios: status %d", resp.StatusCode)
	}
	return nil
}

// ReportCallNotAllowed tells the panel to stop dialing a contact, used by
// the failure-streak alerting path (spec.md §4.5).
func (c *Client) ReportCallNotAllowed(ctx context.Context, numberID string) error {
	payload, err := json.Marshal(map[string]any{"number_id": numberID, "call_allowed": false})
	if err != nil {
		return fmt.Errorf("panel: marshalling call-not-allowed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/dialer/report-result", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("panel: building call-not-allowed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("panel: call-not-allowed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}
