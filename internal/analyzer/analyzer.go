// Package analyzer mines page bodies for research leads: link targets that
// may be red links and open questions worth a research task.
package analyzer

import (
	"strings"

	"github.com/lazypower/grove/internal/wikilink"
)

// Analyzer extracts research leads from a page body.
type Analyzer interface {
	// RedLinkCandidates returns the distinct link targets of body. Whether a
	// target is actually missing is for the caller to decide.
	RedLinkCandidates(body string) []string
	// Questions returns the question-shaped lines of body worth researching.
	Questions(body string) []string
}

// DefaultDenylist holds conversational or rhetorical question openers.
var DefaultDenylist = []string{
	"what do you think",
	"can you",
	"could you",
	"would you",
	"do you",
	"how are you",
	"isn't it",
	"right?",
	"why not",
}

const defaultMinQuestionLength = 12

// Heuristic is the default line-based analyzer.
type Heuristic struct {
	Denylist  []string
	MinLength int
}

// New returns a Heuristic with the default denylist.
func New() *Heuristic {
	return &Heuristic{Denylist: DefaultDenylist, MinLength: defaultMinQuestionLength}
}

// RedLinkCandidates implements Analyzer.
func (h *Heuristic) RedLinkCandidates(body string) []string {
	return wikilink.UniqueTargets(wikilink.ExtractLinks(body))
}

// Questions implements Analyzer. Lines inside code fences are ignored and
// each question is returned once.
func (h *Heuristic) Questions(body string) []string {
	text := wikilink.StripFrontMatter(body)
	seen := make(map[string]bool)
	var out []string
	inFence := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence || strings.HasPrefix(trimmed, "#") {
			continue
		}
		q := cleanQuestion(trimmed)
		if q == "" || !strings.HasSuffix(q, "?") || len(q) < h.minLength() {
			continue
		}
		if h.denied(q) {
			continue
		}
		key := strings.ToLower(q)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	return out
}

func (h *Heuristic) minLength() int {
	if h.MinLength <= 0 {
		return defaultMinQuestionLength
	}
	return h.MinLength
}

func (h *Heuristic) denied(q string) bool {
	lq := strings.ToLower(q)
	for _, d := range h.Denylist {
		if strings.HasPrefix(lq, d) || (strings.HasSuffix(d, "?") && strings.HasSuffix(lq, d)) {
			return true
		}
	}
	return false
}

// cleanQuestion strips list, quote and emphasis markers and resolves
// wikilinks to their display text.
func cleanQuestion(line string) string {
	line = strings.TrimLeft(line, "->*+ \t")
	if i := strings.Index(line, ". "); i > 0 && i <= 3 && isDigits(line[:i]) {
		line = line[i+2:]
	}
	line = strings.Trim(line, "*_ ")
	for _, l := range wikilink.ExtractLinks(line) {
		display := l.Target
		if l.Alias != "" {
			display = l.Alias
		}
		line = strings.ReplaceAll(line, l.String(), display)
	}
	return strings.TrimSpace(line)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
