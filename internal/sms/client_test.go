package sms

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSendAlert_Success(t *testing.T) {
	var received sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api-key-1" {
			t.Errorf("expected path /api-key-1, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "api-key-1", "10001", []string{"09120000000"}, testLogger())
	if err := client.SendAlert(context.Background(), "dialing paused"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received.From != "10001" {
		t.Errorf("From = %q, want 10001", received.From)
	}
	if received.Text != "dialing paused" {
		t.Errorf("Text = %q, want %q", received.Text, "dialing paused")
	}
	if len(received.To) != 1 || received.To[0] != "09120000000" {
		t.Errorf("To = %v, want [09120000000]", received.To)
	}
}

func TestSendAlert_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("invalid api key"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "bad-key", "10001", []string{"09120000000"}, testLogger())
	if err := client.SendAlert(context.Background(), "x"); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestSendAlert_SkipsWhenUnconfigured(t *testing.T) {
	client := NewClient("https://unused.example.com", "", "", nil, testLogger())
	if err := client.SendAlert(context.Background(), "x"); err != nil {
		t.Fatalf("expected no error when unconfigured, got %v", err)
	}
}

func TestSendAlert_SkipsWhenNoRecipients(t *testing.T) {
	client := NewClient("https://unused.example.com", "key", "sender", nil, testLogger())
	if err := client.SendAlert(context.Background(), "x"); err != nil {
		t.Fatalf("expected no error with no recipients, got %v", err)
	}
}

func TestSendAlert_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", "sender", []string{"09120000000"}, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := client.SendAlert(ctx, "x"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestConfigured(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
		sender string
		want   bool
	}{
		{"both set", "key", "sender", true},
		{"missing key", "", "sender", false},
		{"missing sender", "key", "", false},
		{"both empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient("https://unused.example.com", tt.apiKey, tt.sender, nil, testLogger())
			if c.Configured() != tt.want {
				t.Errorf("Configured() = %v, want %v", c.Configured(), tt.want)
			}
		})
	}
}
