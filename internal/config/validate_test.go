package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Backend: BackendConfig{
			Driver: "postgres", SQLitePath: "data/engram.db", MigrationsPath: "migrations",
		},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "engram",
			Password: "secret", Name: "engram", SSLMode: "disable", MaxConns: 25,
		},
		Redis:     RedisConfig{Enabled: true, Host: "localhost", Port: 6379},
		Embedding: EmbeddingConfig{Model: "text-embedding-3-small", Dimension: 1536, APIKey: "sk-test"},
		Extract:   ExtractConfig{Enabled: true, Model: "gpt-4o-mini"},
		Memory: MemoryConfig{
			SemanticWeight: 0.7, FTSWeight: 0.3, RecencyBoost: 0.1, ImportanceBoost: 0.2,
			DedupThreshold: 0.85, ShortTermTurns: 50, ShortTermTTL: 24 * time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_UnknownBackendDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Backend.Driver = "mysql"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "BACKEND_DRIVER") {
		t.Fatalf("expected BACKEND_DRIVER error, got: %v", err)
	}
}

func TestValidate_DBPasswordRequiredForPostgres(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_PASSWORD") {
		t.Fatalf("expected DB_PASSWORD error, got: %v", err)
	}
}

func TestValidate_DBPasswordNotNeededForSQLite(t *testing.T) {
	cfg := validConfig()
	cfg.Backend.Driver = "sqlite"
	cfg.DB.Password = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error for sqlite without DB password, got: %v", err)
	}
}

func TestValidate_EmbeddingDimension(t *testing.T) {
	cfg := validConfig()
	cfg.Embedding.Dimension = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "EMBEDDING_DIMENSION") {
		t.Fatalf("expected EMBEDDING_DIMENSION error, got: %v", err)
	}
}

func TestValidate_NegativeWeight(t *testing.T) {
	cfg := validConfig()
	cfg.Memory.FTSWeight = -0.3
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "MEMORY_FTS_WEIGHT") {
		t.Fatalf("expected MEMORY_FTS_WEIGHT error, got: %v", err)
	}
}

func TestValidate_DedupThresholdRange(t *testing.T) {
	cfg := validConfig()
	cfg.Memory.DedupThreshold = 1.5
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "MEMORY_DEDUP_THRESHOLD") {
		t.Fatalf("expected MEMORY_DEDUP_THRESHOLD error, got: %v", err)
	}
}

func TestValidate_ExtractModelRequiredWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Extract.Model = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "EXTRACT_MODEL") {
		t.Fatalf("expected EXTRACT_MODEL error, got: %v", err)
	}
}

func TestValidate_InvalidPorts(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.DB.Port = 99999
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected port validation errors")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("expected SERVER_PORT error in: %v", err)
	}
	if !strings.Contains(err.Error(), "DB_PORT") {
		t.Errorf("expected DB_PORT error in: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{Port: 0},
		Backend: BackendConfig{Driver: "postgres"},
		DB:      DBConfig{Port: 5432},
		Redis:   RedisConfig{Port: 6379},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}
	errStr := err.Error()
	for _, substr := range []string{"DB_PASSWORD", "EMBEDDING_DIMENSION", "SERVER_PORT"} {
		if !strings.Contains(errStr, substr) {
			t.Errorf("expected %q in error: %s", substr, errStr)
		}
	}
}
