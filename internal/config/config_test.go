package config

import (
	"log/slog"
	"os"
	"strings"
	"testing"
)

func clearVoxdialerEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, envPrefix) {
			continue
		}
		name := strings.SplitN(e, "=", 2)[0]
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearVoxdialerEnv(t)
	t.Setenv("VOXDIALER_PBX_BASE_URL", "http://pbx.local:8088/ari")
	t.Setenv("VOXDIALER_PANEL_BASE_URL", "http://panel.local")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxConcurrentCalls != defaultMaxConcurrentCalls {
		t.Errorf("MaxConcurrentCalls = %d, want %d", cfg.MaxConcurrentCalls, defaultMaxConcurrentCalls)
	}
	if cfg.BatchSize != defaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, defaultBatchSize)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.ScenarioDir != defaultScenarioDir {
		t.Errorf("ScenarioDir = %q, want %q", cfg.ScenarioDir, defaultScenarioDir)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	clearVoxdialerEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected error when PBX_BASE_URL and PANEL_BASE_URL are unset")
	}
}

func TestLoad_OutboundLinesRequiredWithTrunk(t *testing.T) {
	clearVoxdialerEnv(t)
	t.Setenv("VOXDIALER_PBX_BASE_URL", "http://pbx.local:8088/ari")
	t.Setenv("VOXDIALER_PANEL_BASE_URL", "http://panel.local")
	t.Setenv("VOXDIALER_OUTBOUND_TRUNK", "sip-trunk")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when OUTBOUND_TRUNK is set without OUTBOUND_LINES")
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	clearVoxdialerEnv(t)
	t.Setenv("VOXDIALER_PBX_BASE_URL", "http://pbx.local:8088/ari")
	t.Setenv("VOXDIALER_PANEL_BASE_URL", "http://panel.local")
	t.Setenv("VOXDIALER_MAX_CONCURRENT_CALLS", "12")
	t.Setenv("VOXDIALER_LOG_LEVEL", "debug")
	t.Setenv("VOXDIALER_OUTBOUND_LINES", "100, 101 ,102")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxConcurrentCalls != 12 {
		t.Errorf("MaxConcurrentCalls = %d, want 12", cfg.MaxConcurrentCalls)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if len(cfg.OutboundLines) != 3 || cfg.OutboundLines[1] != "101" {
		t.Errorf("OutboundLines = %v, want [100 101 102]", cfg.OutboundLines)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	clearVoxdialerEnv(t)
	t.Setenv("VOXDIALER_PBX_BASE_URL", "http://pbx.local:8088/ari")
	t.Setenv("VOXDIALER_PANEL_BASE_URL", "http://panel.local")
	t.Setenv("VOXDIALER_LOG_LEVEL", "verbose")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestLoad_InvalidBatchSize(t *testing.T) {
	clearVoxdialerEnv(t)
	t.Setenv("VOXDIALER_PBX_BASE_URL", "http://pbx.local:8088/ari")
	t.Setenv("VOXDIALER_PANEL_BASE_URL", "http://panel.local")
	t.Setenv("VOXDIALER_BATCH_SIZE", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for batch size < 1")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
