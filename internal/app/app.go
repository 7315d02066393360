// Package app assembles the removal stack from configuration. The API, the
// worker and the CLI share it so that each runs the same engine.
package app

import (
	"context"
	"fmt"

	"github.com/dunamismax/zyncut/internal/config"
	"github.com/dunamismax/zyncut/internal/genai"
	"github.com/dunamismax/zyncut/internal/pipeline"
	"github.com/dunamismax/zyncut/internal/removal"
	"github.com/dunamismax/zyncut/internal/store"
	"github.com/rs/zerolog"
)

func NewEngine(cfg config.Config, logger zerolog.Logger) (*pipeline.Engine, error) {
	compositor, err := pipeline.NewChromaKey(logger.With().Str("stage", "chroma_key").Logger())
	if err != nil {
		return nil, fmt.Errorf("initialize compositor: %w", err)
	}

	primary := removal.NewClient(removal.Config{
		Endpoint:       cfg.Removal.WebhookURL(),
		FieldName:      cfg.Removal.FieldName,
		RawBody:        cfg.Removal.RawBody,
		SigningSecret:  cfg.Removal.SigningSecret,
		Timeout:        cfg.Removal.Timeout,
		MaxAttempts:    cfg.Removal.MaxAttempts,
		InitialBackoff: cfg.Removal.InitialBackoff,
		MaxBackoff:     cfg.Removal.MaxBackoff,
		Logger:         logger.With().Str("backend", "webhook").Logger(),
	})

	fallback := genai.NewClient(genai.Options{
		APIKey:  cfg.GenAI.APIKey,
		BaseURL: cfg.GenAI.BaseURL,
		Model:   cfg.GenAI.Model,
		Timeout: cfg.GenAI.Timeout,
		Logger:  logger.With().Str("backend", "genai").Logger(),
	})
	if !fallback.HasCredentials() {
		logger.Warn().Msg("GEMINI_API_KEY is not set; removals fail when the webhook does")
	}

	logger.Info().
		Str("webhook", primary.Endpoint()).
		Str("model", fallback.Model()).
		Msg("removal engine ready")
	return pipeline.NewEngine(primary, fallback, compositor, logger), nil
}

// OpenUsageStore returns the Postgres store when a DSN is configured and an
// in-memory store otherwise. The returned close func is never nil.
func OpenUsageStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (store.UsageStore, func() error, error) {
	if cfg.DSN == "" {
		logger.Info().Msg("usage store: in memory")
		return store.NewMemoryUsageStore(), func() error { return nil }, nil
	}

	pg, err := store.NewPostgresUsageStore(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres usage store: %w", err)
	}
	logger.Info().Msg("usage store: postgres")
	return pg, pg.Close, nil
}
