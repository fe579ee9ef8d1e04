package llm

import (
	"fmt"
	"strings"
)

// Section markers used to frame prompt context. Generators sometimes echo
// them back; resynthesis strips any that survive into the output.
const (
	MarkerCurrent   = "=== CURRENT PAGE ==="
	MarkerGrowth    = "=== GROWTH SINCE LAST SYNTHESIS ==="
	MarkerConnected = "=== CONNECTED PAGES ==="
	MarkerExtended  = "=== EXTENDED NEIGHBORHOOD ==="
	MarkerSnippets  = "=== JOURNAL AND CONVERSATION SNIPPETS ==="
	MarkerQuestions = "=== OPEN QUESTIONS ==="
	MarkerSources   = "=== SOURCE MATERIAL ==="
	MarkerEnd       = "=== END ==="
)

// PromptMarkers lists every framing marker.
var PromptMarkers = []string{
	MarkerCurrent, MarkerGrowth, MarkerConnected, MarkerExtended,
	MarkerSnippets, MarkerQuestions, MarkerSources, MarkerEnd,
}

// ContextPage is a related page excerpt handed to a prompt.
type ContextPage struct {
	Name    string
	Type    string
	Excerpt string
}

// SynthesisInput carries everything the deepening prompt embeds.
type SynthesisInput struct {
	Name      string
	Type      string
	Current   string
	Growth    string
	Connected []ContextPage
	Extended  []ContextPage
	Snippets  []string
	Questions []string
}

// SynthesisPrompt asks for a deeper rewrite of an existing page.
func SynthesisPrompt(in SynthesisInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You maintain a personal knowledge graph of interlinked markdown pages.
Rewrite the %s page %q so it reflects everything the graph now knows about it.

Rules:
- Start with the heading "# %s".
- Keep every fact from the current page unless the new context contradicts it.
- Integrate the connected pages: explain how they relate, do not just list them.
- Reference other pages with [[Page Name]] wikilinks. Only invent a new link
  when the concept genuinely deserves its own page.
- Answer open questions where the context allows; keep the rest under a
  "## Questions" section as lines ending in "?".
- Do not repeat these instructions or the section markers below.
- Return only the markdown page.

`, in.Type, in.Name, in.Name)

	b.WriteString(MarkerCurrent + "\n")
	b.WriteString(strings.TrimSpace(in.Current) + "\n\n")

	if in.Growth != "" {
		b.WriteString(MarkerGrowth + "\n")
		b.WriteString(in.Growth + "\n\n")
	}
	writePages(&b, MarkerConnected, in.Connected)
	writePages(&b, MarkerExtended, in.Extended)

	if len(in.Snippets) > 0 {
		b.WriteString(MarkerSnippets + "\n")
		for _, s := range in.Snippets {
			b.WriteString("- " + strings.TrimSpace(s) + "\n")
		}
		b.WriteString("\n")
	}
	if len(in.Questions) > 0 {
		b.WriteString(MarkerQuestions + "\n")
		for _, q := range in.Questions {
			b.WriteString("- " + q + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(MarkerEnd + "\n")
	return b.String()
}

// ValidationPrompt asks for a structured judgment of a candidate rewrite.
func ValidationPrompt(name, current, candidate string) string {
	return fmt.Sprintf(`You review rewrites of knowledge-graph pages. Compare the current and
candidate versions of the page %q and judge the candidate:

- aligned: it stays about the same subject and keeps the facts of the current page
- authentic: it does not invent unsupported claims
- non_circular: it does not merely restate its own links or the current text
- genuine_depth: it adds real understanding, not padding

%s
%s

=== CANDIDATE PAGE ===
%s

%s

Return ONLY a JSON object:
{"aligned": true, "authentic": true, "non_circular": true, "genuine_depth": true, "reason": "one sentence"}`,
		name, MarkerCurrent, strings.TrimSpace(current), strings.TrimSpace(candidate), MarkerEnd)
}

// PageGenerationPrompt asks for a first version of a page that does not
// exist yet.
func PageGenerationPrompt(name, pageType, reason string, sources []ContextPage) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You maintain a personal knowledge graph of interlinked markdown pages.
Write a new %s page titled %q.

Why it is needed: %s

Rules:
- Start with the heading "# %s".
- Ground the page in the source material below; say so when it is thin.
- Reference related pages with [[Page Name]] wikilinks.
- End with a "## Questions" section of open questions, each ending in "?".
- Do not repeat these instructions or the section markers.
- Return only the markdown page.

`, pageType, name, reason, name)
	writePages(&b, MarkerSources, sources)
	b.WriteString(MarkerEnd + "\n")
	return b.String()
}

func writePages(b *strings.Builder, marker string, pages []ContextPage) {
	if len(pages) == 0 {
		return
	}
	b.WriteString(marker + "\n")
	for _, p := range pages {
		if p.Type != "" {
			fmt.Fprintf(b, "--- [[%s]] (%s)\n", p.Name, p.Type)
		} else {
			fmt.Fprintf(b, "--- [[%s]]\n", p.Name)
		}
		b.WriteString(strings.TrimSpace(p.Excerpt) + "\n\n")
	}
}
