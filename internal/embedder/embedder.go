// Package embedder builds the configured embedding provider.
package embedder

import (
	"github.com/ylouis83/aim-medical/internal/config"
	"github.com/ylouis83/aim-medical/internal/logger"
	"github.com/ylouis83/aim-medical/pkg/medmem"
	"github.com/ylouis83/aim-medical/pkg/medmem/ollama"
)

// New returns the embedder named by cfg, or nil when none is configured.
// A nil embedder degrades vector search to keyword matching.
func New(cfg config.EmbedderConfig) medmem.Embedder {
	switch cfg.Provider {
	case "ollama":
		logger.Info("embedder configured", "provider", "ollama", "model", cfg.Model)
		return ollama.NewEmbedder(cfg.BaseURL, cfg.Model)
	default:
		logger.Info("no embedder configured, vector search disabled")
		return nil
	}
}
