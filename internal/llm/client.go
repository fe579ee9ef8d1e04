package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/lazypower/grove/internal/config"
)

// Client is the text-generation contract. A single request/response; no
// streaming.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Request is one generation call.
type Request struct {
	Prompt          string
	Temperature     float64
	MaxOutputTokens int
}

// Response holds the result of a generation call.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Provider     string
}

// ErrUnavailable is returned when no provider is configured or reachable.
var ErrUnavailable = errors.New("text generation unavailable")

// ExternalError marks a failure inside an external service. Callers treat it
// as terminal for the current task; it is never retried in-process.
type ExternalError struct {
	Provider string
	Err      error
}

func (e *ExternalError) Error() string { return e.Provider + ": " + e.Err.Error() }
func (e *ExternalError) Unwrap() error { return e.Err }

// IsExternal reports whether err came from an external service.
func IsExternal(err error) bool {
	var ext *ExternalError
	return errors.As(err, &ext) || errors.Is(err, ErrUnavailable)
}

func external(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalError{Provider: provider, Err: err}
}

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 4096
)

func (r Request) withDefaults() Request {
	if r.Temperature < 0 {
		r.Temperature = 0
	}
	if r.MaxOutputTokens <= 0 {
		r.MaxOutputTokens = defaultMaxTokens
	}
	return r
}

// NewClient creates a text-generation client based on the config provider
// setting.
func NewClient(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "claude-cli":
		model := cfg.Model
		if model == "" {
			model = "sonnet"
		}
		return NewClaudeCLI(model), nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("%w: anthropic provider requires ANTHROPIC_API_KEY or config", ErrUnavailable)
		}
		model := cfg.Model
		if model == "" || model == "sonnet" {
			model = "claude-sonnet-4-5"
		}
		return NewAnthropic(cfg.AnthropicKey, model), nil
	case "ollama":
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.OllamaModel
		if model == "" {
			model = "llama3.2"
		}
		return NewOllama(url, model), nil
	case "gemini":
		if cfg.GeminiKey == "" {
			return nil, fmt.Errorf("%w: gemini provider requires GEMINI_API_KEY or config", ErrUnavailable)
		}
		g, err := NewGemini(ctx, cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}
