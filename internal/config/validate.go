package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	switch c.Backend.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("BACKEND_DRIVER must be sqlite or postgres, got %q", c.Backend.Driver))
	}

	if c.Backend.Driver == "postgres" && c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required for the postgres backend")
	}

	if c.Embedding.Dimension < 1 {
		errs = append(errs, fmt.Sprintf("EMBEDDING_DIMENSION must be positive, got %d", c.Embedding.Dimension))
	}

	// Fusion weights are relative, not probabilities, but negative values
	// invert the ranking.
	for name, w := range map[string]float64{
		"MEMORY_SEMANTIC_WEIGHT":  c.Memory.SemanticWeight,
		"MEMORY_FTS_WEIGHT":       c.Memory.FTSWeight,
		"MEMORY_RECENCY_BOOST":    c.Memory.RecencyBoost,
		"MEMORY_IMPORTANCE_BOOST": c.Memory.ImportanceBoost,
	} {
		if w < 0 {
			errs = append(errs, fmt.Sprintf("%s must not be negative, got %g", name, w))
		}
	}

	if c.Memory.DedupThreshold < 0 || c.Memory.DedupThreshold > 1 {
		errs = append(errs, fmt.Sprintf("MEMORY_DEDUP_THRESHOLD must be within 0-1, got %g", c.Memory.DedupThreshold))
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Enabled && (c.Redis.Port < 1 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	// API key: warn only, a local embedding proxy may not need one
	if c.Embedding.APIKey == "" {
		slog.Warn("EMBEDDING_API_KEY is empty, embedding requests will be unauthenticated")
	}
	if c.Extract.Enabled && c.Extract.Model == "" {
		errs = append(errs, "EXTRACT_MODEL is required when extraction is enabled")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
