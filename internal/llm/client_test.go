package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lazypower/grove/internal/config"
)

func TestNewClientClaudeCLI(t *testing.T) {
	cfg := config.LLMConfig{Provider: "claude-cli", Model: "haiku"}
	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*ClaudeCLI); !ok {
		t.Errorf("expected *ClaudeCLI, got %T", client)
	}
}

func TestNewClientAnthropic(t *testing.T) {
	cfg := config.LLMConfig{Provider: "anthropic", AnthropicKey: "test-key", Model: "claude-haiku-4-5-20251001"}
	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Anthropic); !ok {
		t.Errorf("expected *Anthropic, got %T", client)
	}
}

func TestNewClientMissingKeys(t *testing.T) {
	for _, provider := range []string{"anthropic", "gemini"} {
		_, err := NewClient(context.Background(), config.LLMConfig{Provider: provider})
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("%s: err = %v, want ErrUnavailable", provider, err)
		}
		if !IsExternal(err) {
			t.Errorf("%s: missing key should classify as external", provider)
		}
	}
}

func TestNewClientOllama(t *testing.T) {
	cfg := config.LLMConfig{Provider: "ollama", OllamaModel: "llama3.2"}
	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Ollama); !ok {
		t.Errorf("expected *Ollama, got %T", client)
	}
}

func TestNewClientUnknown(t *testing.T) {
	cfg := config.LLMConfig{Provider: "gpt"}
	_, err := NewClient(context.Background(), cfg)
	if err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestFilterEnv(t *testing.T) {
	env := []string{
		"HOME=/home/user",
		"CLAUDE_SESSION_ID=abc123",
		"CLAUDE_TRANSCRIPT=/tmp/t.jsonl",
		"PATH=/usr/bin",
	}
	filtered := filterEnv(env)
	if len(filtered) != 2 {
		t.Errorf("expected 2 vars, got %d: %v", len(filtered), filtered)
	}
	for _, e := range filtered {
		if strings.HasPrefix(e, "CLAUDE_") {
			t.Errorf("CLAUDE_ var not filtered: %s", e)
		}
	}
}

// fakeClaude writes a shell script standing in for the claude binary.
func fakeClaude(t *testing.T, script string) *ClaudeCLI {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	c := NewClaudeCLI("sonnet")
	c.binary = bin
	return c
}

func TestClaudeCLIGenerate(t *testing.T) {
	c := fakeClaude(t, `cat >/dev/null
printf '%s\n' '{"type":"result","result":"# Beta\n\nbody\n","is_error":false,"usage":{"input_tokens":9,"output_tokens":4}}'
`)
	resp, err := c.Generate(context.Background(), Request{Prompt: "write Beta"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "# Beta\n\nbody" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.InputTokens != 9 || resp.OutputTokens != 4 {
		t.Errorf("usage = %d/%d, want 9/4", resp.InputTokens, resp.OutputTokens)
	}
	if resp.Provider != "claude-cli" {
		t.Errorf("provider = %q", resp.Provider)
	}
}

func TestClaudeCLIPlainOutput(t *testing.T) {
	c := fakeClaude(t, "cat\n")
	resp, err := c.Generate(context.Background(), Request{Prompt: "  echoed back  "})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "echoed back" {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestClaudeCLIFailure(t *testing.T) {
	c := fakeClaude(t, "echo 'not logged in' >&2\nexit 3\n")
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	if !IsExternal(err) {
		t.Fatalf("err = %v, want external error", err)
	}
	if !strings.Contains(err.Error(), "not logged in") {
		t.Errorf("err = %v, want stderr in message", err)
	}

	c = fakeClaude(t, `echo '{"result":"quota exceeded","is_error":true}'`+"\n")
	_, err = c.Generate(context.Background(), Request{Prompt: "x"})
	if !IsExternal(err) || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("err = %v, want external quota error", err)
	}
}

func TestAnthropicGenerate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"content":[{"type":"text","text":"# Beta\n\nbody"}],"usage":{"input_tokens":12,"output_tokens":34}}`))
	}))
	defer srv.Close()

	a := NewAnthropic("k", "m")
	a.endpoint = srv.URL

	resp, err := a.Generate(context.Background(), Request{Prompt: "hi", Temperature: 0.2, MaxOutputTokens: 99})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "# Beta\n\nbody" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 34 {
		t.Errorf("tokens = %d/%d, want 12/34", resp.InputTokens, resp.OutputTokens)
	}
	if got["max_tokens"].(float64) != 99 || got["temperature"].(float64) != 0.2 {
		t.Errorf("request = %v", got)
	}
}

func TestAnthropicErrorIsExternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewAnthropic("k", "m")
	a.endpoint = srv.URL

	_, err := a.Generate(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsExternal(err) {
		t.Errorf("error %v should be external", err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error should carry status: %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Errorf("error %v should unwrap to a 503 StatusError", err)
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"response":"ok","prompt_eval_count":5,"eval_count":7}`))
	}))
	defer srv.Close()

	resp, err := NewOllama(srv.URL, "llama3.2").Generate(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "ok" || resp.InputTokens != 5 || resp.OutputTokens != 7 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestMockClient(t *testing.T) {
	mock := &MockClient{
		Responses: []*Response{{Text: "first"}},
		Response:  &Response{Text: "test response", Provider: "mock"},
	}

	resp, err := mock.Generate(context.Background(), Request{Prompt: "one"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "first" {
		t.Errorf("text = %q, want %q", resp.Text, "first")
	}
	resp, _ = mock.Generate(context.Background(), Request{Prompt: "two"})
	if resp.Text != "test response" {
		t.Errorf("text = %q, want %q", resp.Text, "test response")
	}
	if p := mock.Prompts(); len(p) != 2 || p[0] != "one" {
		t.Errorf("prompts = %v", p)
	}

	mock.Err = errors.New("boom")
	if _, err := mock.Generate(context.Background(), Request{}); !IsExternal(err) {
		t.Errorf("mock error should be external: %v", err)
	}
}

func TestSynthesisPromptSections(t *testing.T) {
	p := SynthesisPrompt(SynthesisInput{
		Name:      "Alpha",
		Type:      "concept",
		Current:   "# Alpha\n\nold",
		Growth:    "3 new backlinks",
		Connected: []ContextPage{{Name: "Beta", Type: "concept", Excerpt: "beta text"}},
		Snippets:  []string{"journal line"},
		Questions: []string{"Why Alpha?"},
	})
	for _, want := range []string{MarkerCurrent, MarkerGrowth, MarkerConnected, MarkerSnippets, MarkerQuestions, "[[Beta]]", `"# Alpha"`} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(p, MarkerExtended) {
		t.Error("empty extended section should be omitted")
	}
}

func TestDecodeJSONObject(t *testing.T) {
	var v struct {
		Aligned bool   `json:"aligned"`
		Reason  string `json:"reason"`
	}
	in := "Sure:\n```json\n{\"aligned\": true, \"reason\": \"fine\"}\n```"
	if err := DecodeJSONObject(in, &v); err != nil {
		t.Fatalf("DecodeJSONObject: %v", err)
	}
	if !v.Aligned || v.Reason != "fine" {
		t.Errorf("decoded = %+v", v)
	}
	if err := DecodeJSONObject("no json here", &v); err == nil {
		t.Error("expected error for missing object")
	}
}
