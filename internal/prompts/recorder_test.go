package prompts

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/voxdialer/voxdialer/internal/sttllm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeSynthesizer struct {
	result sttllm.SynthesisResult
	err    error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text, speaker string, speed float64) (sttllm.SynthesisResult, error) {
	return f.result, f.err
}

func TestRecord_DownloadsAndSavesAudio(t *testing.T) {
	audioSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("RIFF-fake-wav-bytes"))
	}))
	defer audioSrv.Close()

	dir := t.TempDir()
	synth := &fakeSynthesizer{result: sttllm.SynthesisResult{
		Status:   "ok",
		Filename: "out.wav",
		URL:      audioSrv.URL + "/audio.wav",
		Duration: 2.5,
	}}
	rec := NewRecorder(synth, dir, testLogger())

	path, err := rec.Record(context.Background(), "welcome_greeting", "hello there", "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(dir, "welcome_greeting.wav")
	if path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved file: %v", err)
	}
	if string(data) != "RIFF-fake-wav-bytes" {
		t.Fatalf("saved content = %q, want the fake wav bytes", data)
	}
}

func TestRecord_RejectsPathSeparatorsInName(t *testing.T) {
	rec := NewRecorder(&fakeSynthesizer{}, t.TempDir(), testLogger())
	if _, err := rec.Record(context.Background(), "../escape", "x", "", 0); err == nil {
		t.Fatal("expected error for a name containing a path separator")
	}
}

func TestRecord_PropagatesSynthesizeError(t *testing.T) {
	synth := &fakeSynthesizer{err: &sttllm.QuotaError{Provider: "tts", Reason: "out of credit"}}
	rec := NewRecorder(synth, t.TempDir(), testLogger())
	if _, err := rec.Record(context.Background(), "greeting", "hi", "", 0); err == nil {
		t.Fatal("expected synthesize error to propagate")
	}
}

func TestRecord_NoURLIsAnError(t *testing.T) {
	synth := &fakeSynthesizer{result: sttllm.SynthesisResult{Status: "unauthorized"}}
	rec := NewRecorder(synth, t.TempDir(), testLogger())
	if _, err := rec.Record(context.Background(), "greeting", "hi", "", 0); err == nil {
		t.Fatal("expected error when provider returns no audio url")
	}
}
