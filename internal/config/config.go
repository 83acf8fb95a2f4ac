package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	Backend   BackendConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Embedding EmbeddingConfig
	Extract   ExtractConfig
	Memory    MemoryConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// BackendConfig selects the durable store.
type BackendConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string
	// MigrationsPath holds the postgres migration files.
	MigrationsPath string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	Enabled bool
	URL     string
}

// EmbeddingConfig drives the embedding provider. Dimension must match the
// store schema; the stores verify this at startup.
type EmbeddingConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
}

// ExtractConfig drives LLM fact extraction. When disabled, conversation
// turns are cached but never mined for memories.
type ExtractConfig struct {
	Enabled bool
	Model   string
}

// MemoryConfig tunes search fusion and the automatic write path.
type MemoryConfig struct {
	SemanticWeight  float64
	FTSWeight       float64
	RecencyBoost    float64
	ImportanceBoost float64
	DedupThreshold  float64
	ShortTermTurns  int
	ShortTermTTL    time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		Backend: BackendConfig{
			Driver:         k.String("backend.driver"),
			SQLitePath:     k.String("backend.sqlite.path"),
			MigrationsPath: k.String("backend.migrations.path"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Enabled:  k.Bool("redis.enabled"),
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			Enabled: k.Bool("nats.enabled"),
			URL:     k.String("nats.url"),
		},
		Embedding: EmbeddingConfig{
			APIKey:    k.String("embedding.api.key"),
			BaseURL:   k.String("embedding.base.url"),
			Model:     k.String("embedding.model"),
			Dimension: k.Int("embedding.dimension"),
		},
		Extract: ExtractConfig{
			Enabled: k.Bool("extract.enabled"),
			Model:   k.String("extract.model"),
		},
		Memory: MemoryConfig{
			SemanticWeight:  k.Float64("memory.semantic.weight"),
			FTSWeight:       k.Float64("memory.fts.weight"),
			RecencyBoost:    k.Float64("memory.recency.boost"),
			ImportanceBoost: k.Float64("memory.importance.boost"),
			DedupThreshold:  k.Float64("memory.dedup.threshold"),
			ShortTermTurns:  k.Int("memory.shortterm.turns"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Backend.Driver == "" {
		cfg.Backend.Driver = "sqlite"
	}
	if cfg.Backend.SQLitePath == "" {
		cfg.Backend.SQLitePath = "data/engram.db"
	}
	if cfg.Backend.MigrationsPath == "" {
		cfg.Backend.MigrationsPath = "migrations"
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "engram"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "engram"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = 1536
	}
	if cfg.Extract.Model == "" {
		cfg.Extract.Model = "gpt-4o-mini"
	}
	if cfg.Memory.SemanticWeight == 0 {
		cfg.Memory.SemanticWeight = 0.7
	}
	if cfg.Memory.FTSWeight == 0 {
		cfg.Memory.FTSWeight = 0.3
	}
	if cfg.Memory.RecencyBoost == 0 {
		cfg.Memory.RecencyBoost = 0.1
	}
	if cfg.Memory.ImportanceBoost == 0 {
		cfg.Memory.ImportanceBoost = 0.2
	}
	if cfg.Memory.DedupThreshold == 0 {
		cfg.Memory.DedupThreshold = 0.85
	}
	if cfg.Memory.ShortTermTurns == 0 {
		cfg.Memory.ShortTermTurns = 50
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	ttlStr := k.String("memory.shortterm.ttl")
	if ttlStr == "" {
		ttlStr = "24h"
	}
	cfg.Memory.ShortTermTTL, err = time.ParseDuration(ttlStr)
	if err != nil {
		return nil, fmt.Errorf("parsing short-term ttl: %w", err)
	}

	return cfg, nil
}
