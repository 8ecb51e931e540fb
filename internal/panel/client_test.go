package panel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestClient_NextBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/dialer/next-batch" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("size") != "5" {
			t.Fatalf("unexpected size: %s", r.URL.Query().Get("size"))
		}
		json.NewEncoder(w).Encode(NextBatchResponse{
			CallAllowed: true,
			Batch: Batch{
				BatchID: "b1",
				Numbers: []Contact{{ID: "1", PhoneNumber: "+15551234567"}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "acme", 2*time.Second, testLogger())
	resp, err := c.NextBatch(context.Background(), 5)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if !resp.CallAllowed || len(resp.Batch.Numbers) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClient_ReportResult_QueuesOnFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "", time.Second, testLogger())
	ctx := context.Background()

	report := Report{NumberID: "42", Status: StatusMissed, Scenario: "demo"}
	if err := c.ReportResult(ctx, report); err != nil {
		t.Fatalf("ReportResult should not surface transport errors: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}

	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected 1 queued report, got %d", queued)
	}
}

func TestClient_ReportResult_DropsIdentitylessFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", time.Second, testLogger())
	report := Report{Status: StatusFailed, Scenario: "demo"}
	if err := c.ReportResult(context.Background(), report); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()
	if queued != 0 {
		t.Fatalf("expected report with no identity to be dropped, got %d queued", queued)
	}
}

func TestClient_FlushQueue_RequeuesOnRepeatedFailure(t *testing.T) {
	var succeed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if succeed.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", time.Second, testLogger())
	ctx := context.Background()

	c.ReportResult(ctx, Report{NumberID: "1", Status: StatusMissed})
	c.ReportResult(ctx, Report{NumberID: "2", Status: StatusBusy})

	c.mu.Lock()
	if len(c.queue) != 2 {
		t.Fatalf("expected 2 queued reports, got %d", len(c.queue))
	}
	c.mu.Unlock()

	c.FlushQueue(ctx)
	c.mu.Lock()
	if len(c.queue) != 2 {
		t.Fatalf("expected flush to requeue both on continued failure, got %d", len(c.queue))
	}
	c.mu.Unlock()

	succeed.Store(true)
	c.FlushQueue(ctx)
	c.mu.Lock()
	if len(c.queue) != 0 {
		t.Fatalf("expected queue drained once the endpoint recovers, got %d", len(c.queue))
	}
	c.mu.Unlock()
}

func TestClient_RegisterScenarios(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/dialer/register-scenarios" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var body map[string][]string
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		if len(body["scenarios"]) != 2 {
			t.Fatalf("unexpected scenarios: %+v", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", time.Second, testLogger())
	if err := c.RegisterScenarios(context.Background(), []string{"demo_outreach", "follow_up"}); err != nil {
		t.Fatalf("RegisterScenarios: %v", err)
	}
}
