package opsapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxdialer/voxdialer/internal/dialer"
	"github.com/voxdialer/voxdialer/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeDialerStatus struct {
	status dialer.Status
}

func (f *fakeDialerStatus) Snapshot() dialer.Status { return f.status }

type fakeSessionSnapshot struct {
	summaries []session.SessionSummary
}

func (f *fakeSessionSnapshot) Snapshot() []session.SessionSummary { return f.summaries }

func TestHandleHealthz(t *testing.T) {
	s := NewServer(&fakeDialerStatus{}, &fakeSessionSnapshot{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("status = %v, want ok", resp["status"])
	}
}

func TestHandleStatus_ReturnsDialerSnapshot(t *testing.T) {
	ds := &fakeDialerStatus{status: dialer.Status{QueueLength: 7, FailureStreak: 2}}
	s := NewServer(ds, &fakeSessionSnapshot{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp dialer.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.QueueLength != 7 || resp.FailureStreak != 2 {
		t.Fatalf("unexpected status payload: %+v", resp)
	}
}

func TestHandleDebugSessions_ReturnsSummaries(t *testing.T) {
	mgr := &fakeSessionSnapshot{summaries: []session.SessionSummary{
		{ID: "s1", Status: session.StatusActive, Result: ""},
	}}
	s := NewServer(&fakeDialerStatus{}, mgr, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/debug/sessions", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	var resp []session.SessionSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].ID != "s1" {
		t.Fatalf("unexpected sessions payload: %+v", resp)
	}
}

func TestRecoverer_PanicReturns500(t *testing.T) {
	s := NewServer(&fakeDialerStatus{}, &fakeSessionSnapshot{}, testLogger())
	s.router.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}
