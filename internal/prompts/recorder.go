// Package prompts is an offline administrative helper for generating named
// prompt audio files from text, the one place spec.md still names TTS
// explicitly even though the live call path only plays pre-recorded audio
// (spec.md §5, §6; see internal/sttllm.TTSClient).
package prompts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/voxdialer/voxdialer/internal/sttllm"
)

// Synthesizer is the subset of sttllm.TTSClient the recorder needs.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, speaker string, speed float64) (sttllm.SynthesisResult, error)
}

// Recorder generates prompt audio files on demand and saves them under a
// local prompts directory, keyed by name. It has no role in the live call
// flow — scenarios reference prompts that already exist on disk.
type Recorder struct {
	tts    Synthesizer
	dir    string
	client *http.Client
	logger *slog.Logger
}

// NewRecorder builds a Recorder. dir is the directory prompt files are
// written into; it must already exist.
func NewRecorder(tts Synthesizer, dir string, logger *slog.Logger) *Recorder {
	return &Recorder{
		tts:    tts,
		dir:    dir,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "prompt_recorder"),
	}
}

// Record synthesizes text into audio, downloads it from the provider, and
// saves it as "<name>.<ext>" under the recorder's directory. It returns the
// path written.
func (r *Recorder) Record(ctx context.Context, name, text, speaker string, speed float64) (string, error) {
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("prompts: invalid prompt name %q", name)
	}

	result, err := r.tts.Synthesize(ctx, text, speaker, speed)
	if err != nil {
		return "", fmt.Errorf("prompts: synthesizing %q: %w", name, err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("prompts: synthesize %q: provider returned no audio url (status %q)", name, result.Status)
	}

	ext := strings.ToLower(filepath.Ext(result.Filename))
	if ext == "" {
		ext = ".wav"
	}
	destPath := filepath.Join(r.dir, name+ext)

	if err := r.download(ctx, result.URL, destPath); err != nil {
		return "", err
	}

	r.logger.Info("prompt recorded", "name", name, "path", destPath, "duration_seconds", result.Duration)
	return destPath, nil
}

func (r *Recorder) download(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("prompts: building download request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("prompts: downloading audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prompts: download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("prompts: creating %s: %w", destPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, io.LimitReader(resp.Body, 32<<20)); err != nil {
		return fmt.Errorf("prompts: writing %s: %w", destPath, err)
	}
	return nil
}
