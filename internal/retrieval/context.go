package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/lazypower/grove/internal/store"
	"github.com/lazypower/grove/internal/wikilink"
)

// charsPerToken approximates the serialized size budget.
const charsPerToken = 4

// Tier boundaries on relevance.
const (
	tierCore    = 0.7
	tierRelated = 0.5
)

var tierTitles = [...]string{"Core", "Related", "Peripheral"}

// Context is the serialized result of a retrieval pass.
type Context struct {
	Query        string       `json:"query"`
	Text         string       `json:"text"`
	Pages        []RankedPage `json:"pages"`
	Truncated    bool         `json:"truncated"`
	StoppedEarly bool         `json:"stopped_early"`
}

func tierOf(relevance float64) int {
	switch {
	case relevance >= tierCore:
		return 0
	case relevance >= tierRelated:
		return 1
	default:
		return 2
	}
}

// SynthesizeContext renders accepted pages grouped by relevance tier,
// followed by the links among them, within maxTokens×4 characters.
func SynthesizeContext(results []RankedPage, query string, maxTokens int) Context {
	var tiers [3][]RankedPage
	for _, r := range results {
		t := tierOf(r.Relevance)
		tiers[t] = append(tiers[t], r)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Context: %s\n", query)
	if len(results) == 0 {
		b.WriteString("\nNo related pages found.\n")
	}
	for i, tier := range tiers {
		if len(tier) == 0 {
			continue
		}
		sort.SliceStable(tier, func(a, c int) bool { return tier[a].Relevance > tier[c].Relevance })
		fmt.Fprintf(&b, "\n## %s\n", tierTitles[i])
		for _, r := range tier {
			fmt.Fprintf(&b, "\n### %s (%s, relevance %.2f)\n", r.Name, r.Type, r.Relevance)
			if r.Page != nil {
				b.WriteString(strings.TrimSpace(r.Page.Body))
				b.WriteString("\n")
			}
		}
	}

	if narrative := linkNarrative(results); len(narrative) > 0 {
		b.WriteString("\n## Connections\n\n")
		for _, line := range narrative {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	text, truncated := truncate(b.String(), maxTokens*charsPerToken)
	return Context{Query: query, Text: text, Pages: results, Truncated: truncated}
}

// linkNarrative describes which accepted pages link to each other.
func linkNarrative(results []RankedPage) []string {
	in := make(map[string]string, len(results))
	for _, r := range results {
		in[key(r.Name)] = r.Name
	}
	var lines []string
	for _, r := range results {
		if r.Page == nil {
			continue
		}
		var targets []string
		for _, t := range wikilink.UniqueTargets(r.Page.Links()) {
			if name, ok := in[key(t)]; ok && key(t) != key(r.Name) {
				targets = append(targets, name)
			}
		}
		if len(targets) > 0 {
			lines = append(lines, fmt.Sprintf("%s links to %s", r.Name, strings.Join(targets, ", ")))
		}
	}
	return lines
}

// truncate cuts s to at most limit bytes on a rune boundary. A limit of
// zero or less disables truncation.
func truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

// RetrieveOptions controls a full retrieval pass. Zero fields fall back to
// the engine's configured defaults.
type RetrieveOptions struct {
	Type        store.PageType
	EntryPoints int
	MaxTokens   int
	Traverse    *Options
}

// Retrieve finds entry points for query, traverses from them and renders
// the resulting context.
func (e *Engine) Retrieve(ctx context.Context, query string, opts RetrieveOptions) (*Context, error) {
	n := opts.EntryPoints
	if n <= 0 {
		n = e.defaults.EntryPoints
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.defaults.MaxTokens
	}
	traverse := OptionsFrom(e.defaults)
	if opts.Traverse != nil {
		traverse = *opts.Traverse
	}

	entries, err := e.FindEntryPoints(ctx, query, n, opts.Type)
	if err != nil {
		return nil, fmt.Errorf("find entry points: %w", err)
	}
	tr, err := e.TraverseLinks(ctx, entries, query, traverse)
	if err != nil {
		return nil, fmt.Errorf("traverse links: %w", err)
	}
	c := SynthesizeContext(tr.Results, query, maxTokens)
	c.StoppedEarly = tr.StoppedEarly
	return &c, nil
}
