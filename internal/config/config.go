// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	SessionTTL  time.Duration

	Inference InferenceConfig
	Tools     ToolsConfig
	Pipeline  PipelineConfig
	RateLimit RateLimitConfig
	ReportLog ReportLogConfig
	SSE       SSEConfig
}

// InferenceConfig configures the model-inference collaborator.
type InferenceConfig struct {
	APIKey  string
	BaseURL string
	// TriageModel is a fast, cheap model used for the one-shot triage check;
	// HeavyModel runs identification, FastModel the remaining stages.
	TriageModel string
	HeavyModel  string
	FastModel   string
	Timeout     time.Duration
}

// ToolsConfig configures the external price-lookup tools.
type ToolsConfig struct {
	PerplexityAPIKey  string
	PerplexityBaseURL string
	WebSearchAPIKey   string
	WebSearchBaseURL  string
	Timeout           time.Duration
}

// PipelineConfig holds retry policy for the appraisal pipeline.
type PipelineConfig struct {
	// MaxValidationRetries bounds how many times the validator may send the
	// pipeline back to earlier stages within one request.
	MaxValidationRetries int
	// StageRetries bounds re-prompts when a stage produces malformed output.
	StageRetries int
	// HistoryTurns is how many prior session turns are fed into triage.
	HistoryTurns int
}

// RateLimitConfig controls per-user request throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ReportLogConfig controls NDJSON report logging.
type ReportLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// SSEConfig controls server-sent-event streaming behavior.
type SSEConfig struct {
	RetryDelay         time.Duration
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("REPORT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/numismatch.db"),
		SessionTTL:  getEnvDuration("SESSION_TTL", 60*time.Minute),
		Inference: InferenceConfig{
			APIKey:      getEnv("GEMINI_API_KEY", ""),
			BaseURL:     getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
			TriageModel: getEnv("TRIAGE_MODEL", "gemini-2.5-flash"),
			HeavyModel:  getEnv("IDENTIFIER_MODEL", "gemini-2.5-pro"),
			FastModel:   getEnv("PIPELINE_MODEL", "gemini-2.5-flash"),
			Timeout:     getEnvDuration("INFERENCE_TIMEOUT", 60*time.Second),
		},
		Tools: ToolsConfig{
			PerplexityAPIKey:  getEnv("PERPLEXITY_API_KEY", ""),
			PerplexityBaseURL: getEnv("PERPLEXITY_BASE_URL", "https://api.perplexity.ai"),
			WebSearchAPIKey:   getEnv("WEB_SEARCH_API_KEY", ""),
			WebSearchBaseURL:  getEnv("WEB_SEARCH_BASE_URL", "https://api.tavily.com"),
			Timeout:           getEnvDuration("TOOL_TIMEOUT", 20*time.Second),
		},
		Pipeline: PipelineConfig{
			MaxValidationRetries: getEnvInt("MAX_VALIDATION_RETRIES", 2),
			StageRetries:         getEnvInt("STAGE_RETRIES", 2),
			HistoryTurns:         getEnvInt("HISTORY_TURNS", 6),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ReportLog: ReportLogConfig{
			Enabled:       getEnvBool("REPORT_LOG_ENABLED", true),
			Dir:           getEnv("REPORT_LOG_DIR", "./data/logs/reports"),
			GlobalEnabled: getEnvBool("REPORT_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("REPORT_LOG_GLOBAL_PATH", "./data/logs/reports/all.ndjson"),
			QueueSize:     queueSize,
		},
		SSE: SSEConfig{
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 4<<20)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Pipeline.MaxValidationRetries < 0 {
		return fmt.Errorf("MAX_VALIDATION_RETRIES cannot be negative")
	}
	if c.Pipeline.StageRetries < 1 {
		return fmt.Errorf("STAGE_RETRIES must be >= 1")
	}
	if c.ReportLog.Dir == "" {
		return fmt.Errorf("REPORT_LOG_DIR cannot be empty")
	}
	if c.ReportLog.GlobalPath == "" {
		return fmt.Errorf("REPORT_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ReportLog.QueueSize <= 0 {
		return fmt.Errorf("REPORT_LOG_QUEUE_SIZE must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
