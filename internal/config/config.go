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
	Port          string
	FrontendURL   string
	InternalToken string
	Storage       StorageConfig
	LLM           LLMConfig
	Intake        IntakeConfig
	Dispatch      DispatchConfig
	Sweeper       SweeperConfig
	RateLimit     RateLimitConfig
	SSE           SSEConfig
	Transcript    TranscriptConfig
}

// StorageConfig selects the session store.
type StorageConfig struct {
	Backend string // sqlite | memory
	DBPath  string
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider        string // genai | mock
	APIKey          string
	Project         string
	Location        string
	Model           string
	ExtractTimeout  time.Duration
	QuestionTimeout time.Duration
}

// IntakeConfig tunes the collection engine.
type IntakeConfig struct {
	SchemaDir       string
	DefaultMaxTurns int
	RecentSessions  int
}

// DispatchConfig selects how completed sessions reach the generator.
type DispatchConfig struct {
	Mode              string // local | grpc | temporal
	GRPCAddr          string
	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string
	LocalWorkers      int
	LocalQueue        int
	LocalTimeout      time.Duration
	ResultDir         string
}

// SweeperConfig controls recovery of stuck generation locks.
type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// RateLimitConfig limits turns per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig tunes the streaming HTTP transport.
type SSEConfig struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
}

// TranscriptConfig controls JSON transcript logging.
type TranscriptConfig struct {
	Enabled    bool
	Dir        string
	GlobalPath string
	QueueSize  int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		InternalToken: getEnv("INTERNAL_TOKEN", ""),
		Storage: StorageConfig{
			Backend: strings.ToLower(getEnv("STORAGE_BACKEND", "sqlite")),
			DBPath:  getEnv("DB_PATH", "./data/intake.db"),
		},
		LLM: LLMConfig{
			Provider:        strings.ToLower(getEnv("LLM_PROVIDER", "genai")),
			APIKey:          getEnv("GOOGLE_API_KEY", ""),
			Project:         getEnv("GOOGLE_CLOUD_PROJECT", ""),
			Location:        getEnv("GOOGLE_CLOUD_LOCATION", ""),
			Model:           getEnv("LLM_MODEL", "gemini-2.5-flash"),
			ExtractTimeout:  getEnvMillis("LLM_EXTRACT_TIMEOUT_MS", 15000),
			QuestionTimeout: getEnvMillis("LLM_QUESTION_TIMEOUT_MS", 10000),
		},
		Intake: IntakeConfig{
			SchemaDir:       getEnv("INTAKE_SCHEMA_DIR", ""),
			DefaultMaxTurns: getEnvInt("INTAKE_DEFAULT_MAX_TURNS", 12),
			RecentSessions:  getEnvInt("INTAKE_RECENT_SESSIONS", 3),
		},
		Dispatch: DispatchConfig{
			Mode:              strings.ToLower(getEnv("DISPATCH_MODE", "local")),
			GRPCAddr:          getEnv("GENERATOR_GRPC_ADDR", ""),
			TemporalAddress:   getEnv("TEMPORAL_ADDRESS", ""),
			TemporalNamespace: getEnv("TEMPORAL_NAMESPACE", "default"),
			TemporalTaskQueue: getEnv("TEMPORAL_TASK_QUEUE", "coach-generation"),
			LocalWorkers:      getEnvInt("LOCAL_DISPATCH_WORKERS", 2),
			LocalQueue:        getEnvInt("LOCAL_DISPATCH_QUEUE", 32),
			LocalTimeout:      time.Duration(getEnvInt("LOCAL_DISPATCH_TIMEOUT_SECONDS", 120)) * time.Second,
			ResultDir:         getEnv("LOCAL_RESULT_DIR", "./data/results"),
		},
		Sweeper: SweeperConfig{
			Interval:   time.Duration(getEnvInt("SWEEPER_INTERVAL_SECONDS", 60)) * time.Second,
			StaleAfter: time.Duration(getEnvInt("GENERATION_STALE_AFTER_SECONDS", 900)) * time.Second,
			BatchSize:  getEnvInt("SWEEPER_BATCH_SIZE", 100),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		},
		SSE: SSEConfig{
			MaxRequestBodySize: int64(getEnvInt("SSE_MAX_REQUEST_BODY_BYTES", 1<<20)),
			KeepaliveInterval:  time.Duration(getEnvInt("SSE_KEEPALIVE_SECONDS", 10)) * time.Second,
		},
		Transcript: TranscriptConfig{
			Enabled:    getEnvBool("TRANSCRIPT_LOG_ENABLED", true),
			Dir:        getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/transcripts"),
			GlobalPath: getEnv("TRANSCRIPT_LOG_GLOBAL_PATH", ""),
			QueueSize:  getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // One flat list of checks reads better than a table here.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("STORAGE_BACKEND must be sqlite or memory, got %q", c.Storage.Backend)
	}
	switch c.LLM.Provider {
	case "genai":
		if c.LLM.APIKey == "" && (c.LLM.Project == "" || c.LLM.Location == "") {
			return fmt.Errorf("GOOGLE_API_KEY or GOOGLE_CLOUD_PROJECT and GOOGLE_CLOUD_LOCATION are required for LLM_PROVIDER=genai")
		}
	case "mock":
	default:
		return fmt.Errorf("LLM_PROVIDER must be genai or mock, got %q", c.LLM.Provider)
	}
	if c.LLM.ExtractTimeout <= 0 || c.LLM.QuestionTimeout <= 0 {
		return fmt.Errorf("LLM timeouts must be > 0")
	}
	if c.Intake.DefaultMaxTurns <= 0 {
		return fmt.Errorf("INTAKE_DEFAULT_MAX_TURNS must be > 0")
	}
	switch c.Dispatch.Mode {
	case "local":
		if c.Dispatch.LocalWorkers <= 0 || c.Dispatch.LocalQueue < 0 {
			return fmt.Errorf("LOCAL_DISPATCH_WORKERS must be > 0 and LOCAL_DISPATCH_QUEUE >= 0")
		}
	case "grpc":
		if c.Dispatch.GRPCAddr == "" {
			return fmt.Errorf("GENERATOR_GRPC_ADDR is required for DISPATCH_MODE=grpc")
		}
	case "temporal":
		if c.Dispatch.TemporalAddress == "" {
			return fmt.Errorf("TEMPORAL_ADDRESS is required for DISPATCH_MODE=temporal")
		}
	default:
		return fmt.Errorf("DISPATCH_MODE must be local, grpc or temporal, got %q", c.Dispatch.Mode)
	}
	if c.Dispatch.Mode != "local" && c.InternalToken == "" {
		return fmt.Errorf("INTERNAL_TOKEN is required when a remote generator reports completion")
	}
	if c.Sweeper.Interval <= 0 || c.Sweeper.StaleAfter <= 0 {
		return fmt.Errorf("SWEEPER_INTERVAL_SECONDS and GENERATION_STALE_AFTER_SECONDS must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("rate limit must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins is the CORS allow-list.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return strings.Split(c.FrontendURL, ",")
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

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Millisecond
}
