package app

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/httpapi"
	"github.com/parleyhq/parley/internal/memory"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/pipeline"
	"github.com/parleyhq/parley/internal/policy"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Gateway  *gateway.Gateway
	Store    *memory.Store
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	longTerm, err := memory.NewLongTermStore(ctx, cfg.DatabaseURL, cfg.MemoryEmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("long-term store init failed: %w", err)
	}
	store := memory.NewStore(memory.Config{
		Window:   cfg.ContextWindow,
		MinScore: cfg.ContextMinScore,
	}, longTerm, memory.NewHashEmbedder(cfg.MemoryEmbeddingDim))
	store.Redactor = func(text string) string {
		redacted, _ := policy.RedactPII(text)
		return redacted
	}

	gw := gateway.New(gateway.Config{
		TranscribeTimeout: cfg.TranscribeTimeout,
		GenerateTimeout:   cfg.GenerateTimeout,
		SynthesizeTimeout: cfg.SynthesizeTimeout,
		DegradedAfter:     cfg.ProviderDegradedAfter,
		UnavailableAfter:  cfg.ProviderUnavailableAfter,
		MaxAttempts:       cfg.ProviderMaxAttempts,
		BackoffBase:       cfg.ProviderBackoffBase,
		BackoffCap:        cfg.ProviderBackoffCap,
	}, metrics)
	if err := registerProviders(gw, cfg); err != nil {
		_ = store.Close()
		return nil, err
	}

	pipe := pipeline.New(gw, store, metrics, pipeline.Config{
		Validator: policy.Validator{
			MinLength:    cfg.ResponseMinLength,
			MaxLength:    cfg.ResponseMaxLength,
			BlockedTerms: cfg.BlockedTerms,
		},
		FallbackResponse: cfg.FallbackResponse,
		RetrieveK:        cfg.ContextRetrieveK,
	})

	sessions := session.NewManager(pipe, store, metrics, cfg.SessionIdleTimeout, cfg.WelcomeMessage)

	api := httpapi.New(cfg, sessions, store, gw, metrics)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Gateway:  gw,
		Store:    store,
		Metrics:  metrics,
		Cleanup:  store.Close,
	}, nil
}

func registerProviders(gw *gateway.Gateway, cfg config.Config) error {
	switch cfg.ProviderMode {
	case "mock":
		gw.RegisterTranscriber("mock-stt", 0, provider.NewMockTranscriber())
		gw.RegisterGenerator("mock-llm", 0, provider.NewMockGenerator())
		gw.RegisterSynthesizer("mock-tts", 0, provider.NewMockSynthesizer())
		return nil
	default:
		return fmt.Errorf("unknown provider mode %q", cfg.ProviderMode)
	}
}
