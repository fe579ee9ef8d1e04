package llm

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Ollama calls a local Ollama instance's non-streaming generate endpoint.
type Ollama struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllama creates a client for model served at baseURL.
func NewOllama(baseURL, model string) *Ollama {
	return &Ollama{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/generate",
		model:    model,
		client:   &http.Client{Timeout: 300 * time.Second},
	}
}

// Generate sends a prompt to Ollama.
func (o *Ollama) Generate(ctx context.Context, r Request) (*Response, error) {
	r = r.withDefaults()
	var out ollamaResponse
	err := postJSON(ctx, o.client, o.endpoint, nil, ollamaRequest{
		Model:   o.model,
		Prompt:  r.Prompt,
		Options: ollamaOptions{Temperature: r.Temperature, NumPredict: r.MaxOutputTokens},
	}, &out)
	if err != nil {
		return nil, external("ollama", err)
	}
	return &Response{
		Text:         out.Response,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
		Provider:     "ollama",
	}, nil
}
