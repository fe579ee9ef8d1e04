package resynth

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/lazypower/grove/internal/llm"
	"github.com/lazypower/grove/internal/store"
)

const (
	connectedExcerpt = 600
	extendedExcerpt  = 300

	validationTemperature = 0.2
	validationMaxTokens   = 512
)

// markerLineRe matches framing lines such as "=== CANDIDATE PAGE ===".
var markerLineRe = regexp.MustCompile(`(?m)^\s*={3,}\s*[A-Z][A-Z /&-]*\s*={3,}\s*$`)

// GenerateSynthesis builds the deepening prompt and returns the cleaned
// rewrite. Token usage is added to res.
func (p *Pipeline) GenerateSynthesis(ctx context.Context, page *store.Page, g *Gathered, growth Growth, res *Result) (string, error) {
	in := llm.SynthesisInput{
		Name:      page.Name,
		Type:      string(page.Type),
		Current:   page.Body,
		Growth:    growth.Summary,
		Connected: contextPages(g.Connected, connectedExcerpt),
		Extended:  contextPages(g.Extended, extendedExcerpt),
		Questions: growth.Questions,
	}
	for _, s := range g.Snippets {
		in.Snippets = append(in.Snippets, fmt.Sprintf("(%s) %s", s.Source, s.Text))
	}

	resp, err := p.client.Generate(ctx, llm.Request{
		Prompt:          llm.SynthesisPrompt(in),
		Temperature:     p.opts.Temperature,
		MaxOutputTokens: p.opts.MaxOutputTokens,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", ErrEmptyOutput
	}
	res.InputTokens += resp.InputTokens
	res.OutputTokens += resp.OutputTokens

	out := CleanOutput(resp.Text, page.Name)
	if out == "" {
		return "", ErrEmptyOutput
	}
	return out, nil
}

func contextPages(pages []*store.Page, limit int) []llm.ContextPage {
	out := make([]llm.ContextPage, 0, len(pages))
	for _, p := range pages {
		out = append(out, llm.ContextPage{Name: p.Name, Type: string(p.Type), Excerpt: clip(p.Body, limit)})
	}
	return out
}

func clip(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}

// CleanOutput strips code fences and echoed prompt markers from generated
// text and makes sure it opens with "# name". It returns "" when nothing
// but the heading would remain.
func CleanOutput(text, name string) string {
	text = llm.StripCodeFence(text)
	for _, m := range llm.PromptMarkers {
		text = strings.ReplaceAll(text, m, "")
	}
	text = markerLineRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	heading := "# " + name
	lines := strings.SplitN(text, "\n", 2)
	first := strings.TrimSpace(lines[0])
	rest := ""
	if len(lines) == 2 {
		rest = strings.TrimSpace(lines[1])
	}
	if !strings.HasPrefix(first, "# ") {
		return heading + "\n\n" + text + "\n"
	}
	// an existing top-level title is replaced by the page name
	if rest == "" {
		return ""
	}
	return heading + "\n\n" + rest + "\n"
}

// Judgment is the validator's structured verdict.
type Judgment struct {
	Aligned      bool
	Authentic    bool
	NonCircular  bool
	GenuineDepth bool
	Reason       string
}

// Passed reports whether every criterion held.
func (j Judgment) Passed() bool {
	return j.Aligned && j.Authentic && j.NonCircular && j.GenuineDepth
}

type judgmentJSON struct {
	Aligned      *bool  `json:"aligned"`
	Authentic    *bool  `json:"authentic"`
	NonCircular  *bool  `json:"non_circular"`
	GenuineDepth *bool  `json:"genuine_depth"`
	Reason       string `json:"reason"`
}

// ParseJudgment decodes a validator response. Every criterion must be present.
func ParseJudgment(text string) (*Judgment, error) {
	var raw judgmentJSON
	if err := llm.DecodeJSONObject(text, &raw); err != nil {
		return nil, err
	}
	if raw.Aligned == nil || raw.Authentic == nil || raw.NonCircular == nil || raw.GenuineDepth == nil {
		return nil, fmt.Errorf("judgment missing criteria")
	}
	return &Judgment{
		Aligned:      *raw.Aligned,
		Authentic:    *raw.Authentic,
		NonCircular:  *raw.NonCircular,
		GenuineDepth: *raw.GenuineDepth,
		Reason:       raw.Reason,
	}, nil
}

// Validate asks the generator to judge a candidate rewrite. A negative
// verdict returns the judgment together with ErrValidationFailed; any other
// error means no verdict was reached.
func (p *Pipeline) Validate(ctx context.Context, page *store.Page, candidate string, res *Result) (*Judgment, error) {
	resp, err := p.client.Generate(ctx, llm.Request{
		Prompt:          llm.ValidationPrompt(page.Name, page.Body, candidate),
		Temperature:     validationTemperature,
		MaxOutputTokens: validationMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("validation request: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("validation request: empty response")
	}
	res.InputTokens += resp.InputTokens
	res.OutputTokens += resp.OutputTokens

	j, err := ParseJudgment(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("parse judgment: %w", err)
	}
	if !j.Passed() {
		return j, fmt.Errorf("%w: %s", ErrValidationFailed, j.Reason)
	}
	return j, nil
}
