package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/engram-ai/engram/internal/api"
	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/database"
	"github.com/engram-ai/engram/internal/events"
	"github.com/engram-ai/engram/internal/memory"
	"github.com/engram-ai/engram/internal/middleware"
	iredis "github.com/engram-ai/engram/internal/redis"
	"github.com/engram-ai/engram/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store
	var (
		store memory.Store
		pool  *pgxpool.Pool
	)
	switch cfg.Backend.Driver {
	case "postgres":
		pool, err = database.NewPostgresPool(ctx, cfg.DB)
		if err != nil {
			slog.Error("connecting to postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := database.RunMigrations(cfg.DB.DSN(), cfg.Backend.MigrationsPath); err != nil {
			slog.Error("running migrations", "error", err)
			os.Exit(1)
		}

		store, err = memory.NewPostgresStore(ctx, pool, cfg.Embedding.Dimension)
	default:
		store, err = memory.NewSQLiteStore(cfg.Backend.SQLitePath, cfg.Embedding.Dimension)
	}
	if err != nil {
		slog.Error("opening memory store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Redis: short-term turn cache and rate limiting
	var shortTerm *memory.ShortTermCache
	checks := api.HealthChecks{}
	if pool != nil {
		checks.Store = func(ctx context.Context) error { return database.HealthCheck(ctx, pool) }
	}

	routerCfg := api.RouterConfig{}
	if cfg.Redis.Enabled {
		redisClient, err := iredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Error("connecting to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()

		shortTerm = memory.NewShortTermCache(redisClient, cfg.Memory.ShortTermTurns, cfg.Memory.ShortTermTTL)
		checks.Redis = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }

		limiter := middleware.NewRateLimiter(redisClient, "turns", 30, 60)
		routerCfg.TurnRateLimiter = limiter.Middleware
	}

	// NATS event publishing
	var publisher memory.Events
	if cfg.NATS.Enabled {
		natsClient, err := events.NewClient(ctx, cfg.NATS.URL)
		if err != nil {
			slog.Error("connecting to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		publisher = events.NewPublisher(natsClient.JetStream())
		checks.NATS = natsClient.Healthy
	}

	// Providers
	embedder := memory.NewOpenAIEmbedder(cfg.Embedding.APIKey, cfg.Embedding.BaseURL, cfg.Embedding.Model, cfg.Embedding.Dimension)
	var extractor memory.ExtractionProvider
	if cfg.Extract.Enabled {
		extractor = memory.NewOpenAIExtractor(cfg.Embedding.APIKey, cfg.Embedding.BaseURL, cfg.Extract.Model)
	}

	mgr, err := memory.NewManager(memory.ManagerConfig{
		Store:     store,
		Embedder:  embedder,
		Extractor: extractor,
		ShortTerm: shortTerm,
		Events:    publisher,
		Weights: memory.HybridWeights{
			Semantic:   cfg.Memory.SemanticWeight,
			FTS:        cfg.Memory.FTSWeight,
			Recency:    cfg.Memory.RecencyBoost,
			Importance: cfg.Memory.ImportanceBoost,
		},
		DedupThreshold: cfg.Memory.DedupThreshold,
	})
	if err != nil {
		slog.Error("building memory manager", "error", err)
		os.Exit(1)
	}
	mgr.Start(ctx)
	defer mgr.Close()

	handler := memory.NewHandler(mgr)

	router := api.NewRouter(routerCfg, api.HandlerSet{
		Search:   handler.Search,
		Retrieve: handler.Retrieve,

		GetCoreMemory: handler.GetCoreMemory,
		UpdateBlock:   handler.UpdateBlock,
		DeleteBlocks:  handler.DeleteBlocks,

		ProcessTurn: handler.ProcessTurn,
		RecentTurns: handler.RecentTurns,

		CreateMemory:      handler.CreateMemory,
		ListMemories:      handler.ListMemories,
		UpdateMemory:      handler.UpdateMemory,
		DeleteMemory:      handler.DeleteMemory,
		DeleteAllMemories: handler.DeleteAllMemories,

		Stats:   handler.Stats,
		Refresh: handler.Refresh,
	}, checks)

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
