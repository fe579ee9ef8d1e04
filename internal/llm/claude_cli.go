package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ClaudeCLI runs `claude -p` as a one-turn subprocess. Temperature has no
// CLI flag and is ignored.
type ClaudeCLI struct {
	model   string
	binary  string
	timeout time.Duration
}

func NewClaudeCLI(model string) *ClaudeCLI {
	return &ClaudeCLI{model: model, binary: "claude", timeout: 5 * time.Minute}
}

// cliResult is the envelope printed with --output-format json.
type cliResult struct {
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *ClaudeCLI) Generate(ctx context.Context, r Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary,
		"-p", "--model", c.model, "--max-turns", "1", "--output-format", "json")
	cmd.Stdin = strings.NewReader(r.Prompt)
	// a nested session must not see our CLAUDE_* settings
	cmd.Env = filterEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, external("claude-cli", err)
		}
		return nil, external("claude-cli", fmt.Errorf("%w: %s", err, msg))
	}

	var res cliResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		// older CLIs print plain text
		return &Response{Text: strings.TrimSpace(stdout.String()), Provider: "claude-cli"}, nil
	}
	if res.IsError {
		return nil, external("claude-cli", errors.New(res.Result))
	}
	return &Response{
		Text:         strings.TrimSpace(res.Result),
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		Provider:     "claude-cli",
	}, nil
}

func filterEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "CLAUDE_") {
			out = append(out, kv)
		}
	}
	return out
}
