package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiEmbedder generates embeddings through the Google genai SDK.
type GeminiEmbedder struct {
	client   *genai.Client
	model    string
	taskType string
	dims     int
}

// NewGeminiEmbedder creates a Gemini embedder. taskType defaults to
// SEMANTIC_SIMILARITY.
func NewGeminiEmbedder(ctx context.Context, apiKey, model, taskType string) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini embedder requires an API key")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if taskType == "" {
		taskType = "SEMANTIC_SIMILARITY"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiEmbedder{client: client, model: model, taskType: taskType, dims: 768}, nil
}

func (g *GeminiEmbedder) Model() string   { return "gemini:" + g.model }
func (g *GeminiEmbedder) Dimensions() int { return g.dims }

// Embed generates an embedding for a single text.
func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	result, err := g.client.Models.EmbedContent(ctx,
		g.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{TaskType: g.taskType},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(result.Embeddings) == 0 || result.Embeddings[0] == nil {
		return nil, fmt.Errorf("gemini returned no embeddings")
	}

	values := result.Embeddings[0].Values
	vec := make([]float64, len(values))
	for i, v := range values {
		vec[i] = float64(v)
	}
	g.dims = len(vec)
	return vec, nil
}
