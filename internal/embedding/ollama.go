package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	ollamaEmbedPath = "/api/embed"
	ollamaTimeout   = 30 * time.Second
	probeTimeout    = 3 * time.Second
)

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Error      string      `json:"error"`
}

// OllamaEmbedder calls a local Ollama server. The reported dimension is
// the configured one until the first successful call, then the server's.
type OllamaEmbedder struct {
	endpoint string
	model    string
	dims     atomic.Int64
	client   *http.Client
}

// NewOllamaEmbedder creates an embedder for model served at baseURL.
func NewOllamaEmbedder(baseURL, model string, dims int) *OllamaEmbedder {
	o := &OllamaEmbedder{
		endpoint: strings.TrimRight(baseURL, "/") + ollamaEmbedPath,
		model:    model,
		client:   &http.Client{Timeout: ollamaTimeout},
	}
	o.dims.Store(int64(dims))
	return o
}

func (o *OllamaEmbedder) Model() string   { return "ollama:" + o.model }
func (o *OllamaEmbedder) Dimensions() int { return int(o.dims.Load()) }

// Embed returns the vector Ollama produces for text.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vec, err := postEmbed(ctx, o.client, o.endpoint, o.model, text)
	if err != nil {
		return nil, err
	}
	o.dims.Store(int64(len(vec)))
	return vec, nil
}

func postEmbed(ctx context.Context, client *http.Client, endpoint, model, text string) ([]float64, error) {
	payload, err := json.Marshal(ollamaEmbedRequest{Model: model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	var out ollamaEmbedResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && out.Error != "" {
			return nil, fmt.Errorf("ollama embed: status %d: %s", resp.StatusCode, out.Error)
		}
		return nil, fmt.Errorf("ollama embed: status %d: %s", resp.StatusCode, raw)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode embed response: %w", decodeErr)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama embed: empty embedding for model %s", model)
	}
	return out.Embeddings[0], nil
}

// ProbeOllama reports whether baseURL answers an embedding request for
// model within a few seconds.
func ProbeOllama(baseURL, model string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	endpoint := strings.TrimRight(baseURL, "/") + ollamaEmbedPath
	_, err := postEmbed(ctx, &http.Client{Timeout: probeTimeout}, endpoint, model, "probe")
	return err == nil
}
