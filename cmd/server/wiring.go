package main

import (
	"context"
	"database/sql"

	"medstudy/internal/config"
	"medstudy/internal/logger"
	"medstudy/internal/metrics"
	"medstudy/internal/services"
)

const redisNamespace = "medstudy"

func openStore(ctx context.Context, cfg config.Config, conn *sql.DB, log *logger.Logger) (services.KVStore, func()) {
	if cfg.StoreBackend != "redis" {
		return services.NewSQLiteKV(conn), func() {}
	}
	if cfg.RedisURL == "" {
		log.Fatal("STORE_BACKEND=redis requires REDIS_URL")
	}
	kv, err := services.NewRedisKV(ctx, cfg.RedisURL, redisNamespace)
	if err != nil {
		log.Fatal("connect redis", "error", err)
	}
	return kv, func() { _ = kv.Close() }
}

// buildCompleter wires the text provider selected by LLM_PROVIDER and the
// optional Z.AI vision provider behind one rate-limited router.
func buildCompleter(ctx context.Context, cfg config.Config, m *metrics.Metrics, log *logger.Logger) (services.Completer, func()) {
	limit := func(next services.Completer, provider string) services.Completer {
		return services.NewLimitedCompleter(next, provider, cfg.LLMRequestsPerMinute, cfg.LLMTimeout, m, log.With("provider", provider))
	}

	closer := func() {}
	var text services.Completer
	switch cfg.LLMProvider {
	case "gemini":
		gemini, err := services.NewGeminiCompleter(ctx, cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			log.Fatal("create gemini client", "error", err)
		}
		closer = gemini.Close
		text = limit(gemini, "gemini")
	default:
		text = limit(services.NewOpenAICompleter(cfg.OpenAIKey, cfg.OpenAIEndpoint, cfg.OpenAIModel), "openai")
	}

	vision := limit(services.NewZAIVisionCompleter(cfg.ZAIKey, cfg.ZAIBaseURL, cfg.ZAIModel, log.With("component", "zai")), "zai")

	router := &services.Router{Text: text, Vision: vision}
	if !router.Configured() {
		log.Warn("no LLM credentials configured; ingestion and generation will be unavailable")
	}
	return router, closer
}
