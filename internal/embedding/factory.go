package embedding

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/grove/internal/config"
)

// probe is replaced in tests.
var probe = ProbeOllama

// FromConfig builds the embedder named by cfg.Provider. "auto" tries Ollama,
// then Gemini when geminiKey is set, then falls back to TF-IDF over corpus.
// "none" returns a nil Embedder and no error.
func FromConfig(ctx context.Context, cfg config.EmbeddingConfig, geminiKey string, corpus []string, log *zap.Logger) (Embedder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "auto":
		if probe(cfg.OllamaURL, cfg.Model) {
			log.Info("embedding provider", zap.String("provider", "ollama"), zap.String("model", cfg.Model))
			return NewOllamaEmbedder(cfg.OllamaURL, cfg.Model, cfg.Dimensions), nil
		}
		if geminiKey != "" {
			emb, err := NewGeminiEmbedder(ctx, geminiKey, "", "")
			if err == nil {
				log.Info("embedding provider", zap.String("provider", "gemini"))
				return emb, nil
			}
			log.Warn("gemini embedder unavailable", zap.Error(err))
		}
		log.Info("embedding provider", zap.String("provider", "tfidf"), zap.Int("documents", len(corpus)))
		return NewTFIDFEmbedder(corpus, cfg.Dimensions), nil
	case "ollama":
		return NewOllamaEmbedder(cfg.OllamaURL, cfg.Model, cfg.Dimensions), nil
	case "gemini":
		emb, err := NewGeminiEmbedder(ctx, geminiKey, "", "")
		if err != nil {
			return nil, err
		}
		return emb, nil
	case "tfidf":
		return NewTFIDFEmbedder(corpus, cfg.Dimensions), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
