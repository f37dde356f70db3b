package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the session orchestrator.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	SessionIdleTimeout time.Duration
	WelcomeMessage     string

	ContextWindow    int
	ContextRetrieveK int
	ContextMinScore  float64

	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration

	ProviderDegradedAfter    int
	ProviderUnavailableAfter int
	ProviderMaxAttempts      int
	ProviderBackoffBase      time.Duration
	ProviderBackoffCap       time.Duration
	ProviderProbeInterval    time.Duration

	ResponseMinLength int
	ResponseMaxLength int
	BlockedTerms      []string
	FallbackResponse  string

	SinkBuffer int
	SinkWait   time.Duration

	ProviderMode string

	DatabaseURL        string
	MemoryEmbeddingDim int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "parley"),
		AllowAnyOrigin:           false,
		SessionIdleTimeout:       2 * time.Minute,
		WelcomeMessage:           stringsTrimSpace("APP_WELCOME_MESSAGE"),
		ContextWindow:            8,
		ContextRetrieveK:         4,
		ContextMinScore:          0.35,
		TranscribeTimeout:        6 * time.Second,
		GenerateTimeout:          30 * time.Second,
		SynthesizeTimeout:        8 * time.Second,
		ProviderDegradedAfter:    3,
		ProviderUnavailableAfter: 3,
		ProviderMaxAttempts:      3,
		ProviderBackoffBase:      100 * time.Millisecond,
		ProviderBackoffCap:       2 * time.Second,
		ProviderProbeInterval:    30 * time.Second,
		ResponseMinLength:        1,
		ResponseMaxLength:        4000,
		BlockedTerms:             listFromEnv("APP_BLOCKED_TERMS"),
		FallbackResponse:         stringsTrimSpace("APP_FALLBACK_RESPONSE"),
		SinkBuffer:               64,
		SinkWait:                 500 * time.Millisecond,
		ProviderMode:             envOrDefault("PROVIDER_MODE", "mock"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		MemoryEmbeddingDim:       1536,
		ShutdownTimeout:          15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextWindow, err = intFromEnv("APP_CONTEXT_WINDOW", cfg.ContextWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextRetrieveK, err = intFromEnv("APP_CONTEXT_RETRIEVE_K", cfg.ContextRetrieveK)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextMinScore, err = floatFromEnv("APP_CONTEXT_MIN_SCORE", cfg.ContextMinScore)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscribeTimeout, err = durationFromEnv("PROVIDER_TRANSCRIBE_TIMEOUT", cfg.TranscribeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerateTimeout, err = durationFromEnv("PROVIDER_GENERATE_TIMEOUT", cfg.GenerateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthesizeTimeout, err = durationFromEnv("PROVIDER_SYNTHESIZE_TIMEOUT", cfg.SynthesizeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderDegradedAfter, err = intFromEnv("PROVIDER_DEGRADED_AFTER", cfg.ProviderDegradedAfter)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderUnavailableAfter, err = intFromEnv("PROVIDER_UNAVAILABLE_AFTER", cfg.ProviderUnavailableAfter)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderMaxAttempts, err = intFromEnv("PROVIDER_MAX_ATTEMPTS", cfg.ProviderMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderBackoffBase, err = durationFromEnv("PROVIDER_BACKOFF_BASE", cfg.ProviderBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderBackoffCap, err = durationFromEnv("PROVIDER_BACKOFF_CAP", cfg.ProviderBackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderProbeInterval, err = durationFromEnv("PROVIDER_PROBE_INTERVAL", cfg.ProviderProbeInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ResponseMinLength, err = intFromEnv("APP_RESPONSE_MIN_LENGTH", cfg.ResponseMinLength)
	if err != nil {
		return Config{}, err
	}
	cfg.ResponseMaxLength, err = intFromEnv("APP_RESPONSE_MAX_LENGTH", cfg.ResponseMaxLength)
	if err != nil {
		return Config{}, err
	}
	cfg.SinkBuffer, err = intFromEnv("APP_SINK_BUFFER", cfg.SinkBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.SinkWait, err = durationFromEnv("APP_SINK_WAIT", cfg.SinkWait)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryEmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.MemoryEmbeddingDim)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.ContextWindow <= 0 {
		return Config{}, fmt.Errorf("APP_CONTEXT_WINDOW must be positive")
	}
	if cfg.ContextRetrieveK < 0 {
		return Config{}, fmt.Errorf("APP_CONTEXT_RETRIEVE_K must be >= 0")
	}
	if cfg.ProviderDegradedAfter <= 0 {
		return Config{}, fmt.Errorf("PROVIDER_DEGRADED_AFTER must be positive")
	}
	if cfg.ProviderUnavailableAfter <= 0 {
		return Config{}, fmt.Errorf("PROVIDER_UNAVAILABLE_AFTER must be positive")
	}
	if cfg.ProviderMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("PROVIDER_MAX_ATTEMPTS must be positive")
	}
	if cfg.ResponseMinLength < 0 || cfg.ResponseMaxLength < cfg.ResponseMinLength {
		return Config{}, fmt.Errorf("APP_RESPONSE_MIN_LENGTH/APP_RESPONSE_MAX_LENGTH are inconsistent")
	}
	if cfg.SinkBuffer <= 0 {
		return Config{}, fmt.Errorf("APP_SINK_BUFFER must be positive")
	}
	if cfg.MemoryEmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// listFromEnv splits a comma-separated value, dropping empty entries.
func listFromEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
