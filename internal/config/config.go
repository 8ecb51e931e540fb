// Package config loads voxdialer's runtime configuration from environment
// variables. CLI flag parsing and .env file loading are treated as external
// wiring concerns and are not implemented here; an operator's process
// supervisor is expected to populate the environment directly.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// envPrefix is the prefix for every voxdialer environment variable.
const envPrefix = "VOXDIALER_"

// Config holds all runtime configuration for the dialer/flow engine process.
type Config struct {
	// Telephony control (PBX REST + event stream).
	PBXBaseURL    string
	PBXEventURL   string
	PBXUsername   string
	PBXPassword   string
	PBXAppName    string
	ARITimeout    time.Duration
	HTTPMaxConns  int

	// Panel.
	PanelBaseURL string
	PanelToken   string
	PanelCompany string
	HTTPTimeout  time.Duration

	// STT / TTS / LLM.
	STTBaseURL     string
	STTToken       string
	TTSBaseURL     string
	TTSToken       string
	LLMBaseURL     string
	LLMToken       string
	InsecureSkipTLSVerify bool
	STTTimeout     time.Duration
	TTSTimeout     time.Duration
	LLMTimeout     time.Duration
	MaxParallelSTT int
	MaxParallelTTS int
	MaxParallelLLM int
	LLMModel       string
	STTModel       string

	// Outbound dialing.
	OutboundTrunk        string
	OutboundLines        []string
	DefaultCallerID      string
	OriginationTimeout   time.Duration
	MaxConcurrentCalls   int
	MaxConcurrentOutbound int
	MaxInboundCalls      int
	MaxCallsPerMinute    int
	MaxCallsPerDay       int
	OriginationsPerSecond float64
	CallWindowStart      string
	CallWindowEnd        string
	StaticContacts       []string
	BatchSize            int
	DefaultRetryAfter    time.Duration

	// Operator transfer.
	OperatorExtension string
	OperatorTrunk     string
	OperatorCallerID  string
	OperatorTimeout   time.Duration
	OperatorEndpoint  string
	OperatorMobiles   []string
	UsePanelAgents    bool

	// SMS alerting.
	SMSAPIKey           string
	SMSSender           string
	SMSAdminRecipients  []string
	SMSFailAlertThreshold int

	// Scenario loading.
	ScenarioDir string

	// Ops / ambient.
	ReportQueuePath string
	OpsHTTPAddr     string
	LogLevel        string
	LogFormat       string
}

// defaults
const (
	defaultARITimeout          = 10 * time.Second
	defaultHTTPTimeout         = 10 * time.Second
	defaultSTTTimeout          = 20 * time.Second
	defaultTTSTimeout          = 20 * time.Second
	defaultLLMTimeout          = 30 * time.Second
	defaultOriginationTimeout  = 30 * time.Second
	defaultOperatorTimeout     = 45 * time.Second
	defaultRetryAfter          = 60 * time.Second
	defaultBatchSize           = 20
	defaultMaxParallel         = 4
	defaultMaxConcurrentCalls  = 4
	defaultMaxCallsPerMinute   = 10
	defaultMaxCallsPerDay      = 500
	defaultOriginationsPerSec  = 1.0
	defaultHTTPMaxConns        = 32
	defaultFailAlertThreshold  = 5
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
	defaultOpsHTTPAddr         = ":9090"
	defaultScenarioDir         = "./scenarios"
	defaultLLMModel            = "gpt-4o-mini"
	defaultSTTModel            = "whisper-1"
)

// Load reads configuration from environment variables prefixed VOXDIALER_.
func Load() (*Config, error) {
	cfg := &Config{
		PBXAppName:            getEnv("PBX_APP_NAME", "voxdialer"),
		PBXBaseURL:            getEnv("PBX_BASE_URL", ""),
		PBXEventURL:           getEnv("PBX_EVENT_URL", ""),
		PBXUsername:           getEnv("PBX_USERNAME", ""),
		PBXPassword:           getEnv("PBX_PASSWORD", ""),
		ARITimeout:            getEnvDuration("ARI_TIMEOUT", defaultARITimeout),
		HTTPMaxConns:          getEnvInt("HTTP_MAX_CONNECTIONS", defaultHTTPMaxConns),

		PanelBaseURL: getEnv("PANEL_BASE_URL", ""),
		PanelToken:   getEnv("PANEL_TOKEN", ""),
		PanelCompany: getEnv("PANEL_COMPANY", ""),
		HTTPTimeout:  getEnvDuration("HTTP_TIMEOUT", defaultHTTPTimeout),

		STTBaseURL:            getEnv("STT_BASE_URL", ""),
		STTToken:              getEnv("STT_TOKEN", ""),
		TTSBaseURL:            getEnv("TTS_BASE_URL", ""),
		TTSToken:              getEnv("TTS_TOKEN", ""),
		LLMBaseURL:            getEnv("LLM_BASE_URL", ""),
		LLMToken:              getEnv("LLM_TOKEN", ""),
		InsecureSkipTLSVerify: getEnvBool("SSL_VERIFY", true) == false,
		STTTimeout:            getEnvDuration("STT_TIMEOUT", defaultSTTTimeout),
		TTSTimeout:            getEnvDuration("TTS_TIMEOUT", defaultTTSTimeout),
		LLMTimeout:            getEnvDuration("LLM_TIMEOUT", defaultLLMTimeout),
		MaxParallelSTT:        getEnvInt("MAX_PARALLEL_STT", defaultMaxParallel),
		MaxParallelTTS:        getEnvInt("MAX_PARALLEL_TTS", defaultMaxParallel),
		MaxParallelLLM:        getEnvInt("MAX_PARALLEL_LLM", defaultMaxParallel),
		LLMModel:              getEnv("LLM_MODEL", defaultLLMModel),
		STTModel:              getEnv("STT_MODEL", defaultSTTModel),

		OutboundTrunk:         getEnv("OUTBOUND_TRUNK", ""),
		OutboundLines:         getEnvList("OUTBOUND_LINES"),
		DefaultCallerID:       getEnv("DEFAULT_CALLER_ID", ""),
		OriginationTimeout:    getEnvDuration("ORIGINATION_TIMEOUT", defaultOriginationTimeout),
		MaxConcurrentCalls:    getEnvInt("MAX_CONCURRENT_CALLS", defaultMaxConcurrentCalls),
		MaxConcurrentOutbound: getEnvInt("MAX_CONCURRENT_OUTBOUND", 0),
		MaxInboundCalls:       getEnvInt("MAX_INBOUND_CALLS", 0),
		MaxCallsPerMinute:     getEnvInt("MAX_CALLS_PER_MINUTE", defaultMaxCallsPerMinute),
		MaxCallsPerDay:        getEnvInt("MAX_CALLS_PER_DAY", defaultMaxCallsPerDay),
		OriginationsPerSecond: getEnvFloat("MAX_ORIGINATIONS_PER_SECOND", defaultOriginationsPerSec),
		CallWindowStart:       getEnv("CALL_WINDOW_START", ""),
		CallWindowEnd:         getEnv("CALL_WINDOW_END", ""),
		StaticContacts:        getEnvList("STATIC_CONTACTS"),
		BatchSize:             getEnvInt("BATCH_SIZE", defaultBatchSize),
		DefaultRetryAfter:     getEnvDuration("DEFAULT_RETRY_AFTER", defaultRetryAfter),

		OperatorExtension: getEnv("OPERATOR_EXTENSION", ""),
		OperatorTrunk:     getEnv("OPERATOR_TRUNK", ""),
		OperatorCallerID:  getEnv("OPERATOR_CALLER_ID", ""),
		OperatorTimeout:   getEnvDuration("OPERATOR_TIMEOUT", defaultOperatorTimeout),
		OperatorEndpoint:  getEnv("OPERATOR_ENDPOINT", ""),
		OperatorMobiles:   getEnvList("OPERATOR_MOBILES"),
		UsePanelAgents:    getEnvBool("USE_PANEL_AGENTS", true),

		SMSAPIKey:             getEnv("SMS_API_KEY", ""),
		SMSSender:             getEnv("SMS_SENDER", ""),
		SMSAdminRecipients:    getEnvList("SMS_ADMIN_RECIPIENTS"),
		SMSFailAlertThreshold: getEnvInt("SMS_FAIL_ALERT_THRESHOLD", defaultFailAlertThreshold),

		ScenarioDir: getEnv("SCENARIO_DIR", defaultScenarioDir),

		ReportQueuePath: getEnv("REPORT_QUEUE_PATH", ""),
		OpsHTTPAddr:     getEnv("OPS_HTTP_ADDR", defaultOpsHTTPAddr),
		LogLevel:        getEnv("LOG_LEVEL", defaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", defaultLogFormat),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.PBXBaseURL == "" {
		return fmt.Errorf("%sPBX_BASE_URL is required", envPrefix)
	}
	if c.PanelBaseURL == "" {
		return fmt.Errorf("%sPANEL_BASE_URL is required", envPrefix)
	}
	if c.OutboundTrunk != "" && len(c.OutboundLines) == 0 {
		return fmt.Errorf("%sOUTBOUND_LINES must be set when %sOUTBOUND_TRUNK is set", envPrefix, envPrefix)
	}
	if c.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max-concurrent-calls must be >= 1, got %d", c.MaxConcurrentCalls)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch-size must be >= 1, got %d", c.BatchSize)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level, mirroring the teacher's logging setup.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(name, def string) string {
	if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(name string, def int) int {
	if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(name string, def float64) float64 {
	if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(name string, def bool) bool {
	if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(name string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(envPrefix + name); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func getEnvList(name string) []string {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
