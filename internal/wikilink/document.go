package wikilink

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
	"gopkg.in/yaml.v3"
)

// ErrMalformedFrontMatter is returned when the header block is not valid YAML.
var ErrMalformedFrontMatter = errors.New("malformed front matter")

const fence = "---"

// SplitFrontMatter separates a leading "---" delimited header from the body.
// ok is false when the document has no header block.
func SplitFrontMatter(doc string) (header, body string, ok bool) {
	normalized := strings.ReplaceAll(doc, "\r\n", "\n")
	if !strings.HasPrefix(normalized, fence+"\n") {
		return "", doc, false
	}
	rest := normalized[len(fence)+1:]

	// Closing fence may be the first line (empty header).
	if strings.HasPrefix(rest, fence+"\n") || rest == fence {
		return "", strings.TrimPrefix(strings.TrimPrefix(rest, fence), "\n"), true
	}
	idx := strings.Index(rest, "\n"+fence+"\n")
	if idx < 0 {
		if strings.HasSuffix(rest, "\n"+fence) {
			return rest[:len(rest)-len(fence)-1], "", true
		}
		return "", doc, false
	}
	return rest[:idx], rest[idx+len(fence)+2:], true
}

// ExtractFrontMatter parses the header block into a map and returns the
// remaining body. A document without a header yields an empty map. On a YAML
// error the body is still returned alongside ErrMalformedFrontMatter so the
// caller can fall back to defaults.
func ExtractFrontMatter(doc string) (map[string]any, string, error) {
	header, body, ok := SplitFrontMatter(doc)
	meta := map[string]any{}
	if !ok || strings.TrimSpace(header) == "" {
		return meta, body, nil
	}
	if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
		return map[string]any{}, body, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	return meta, body, nil
}

// DecodeFrontMatter unmarshals the header block into out and returns the body.
func DecodeFrontMatter(doc string, out any) (string, error) {
	header, body, ok := SplitFrontMatter(doc)
	if !ok || strings.TrimSpace(header) == "" {
		return body, nil
	}
	if err := yaml.Unmarshal([]byte(header), out); err != nil {
		return body, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	return body, nil
}

// Render writes header as YAML front matter followed by body.
func Render(header any, body string) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(header); err != nil {
		return "", fmt.Errorf("encode front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode front matter: %w", err)
	}
	return fence + "\n" + buf.String() + fence + "\n" + body, nil
}

// MergeFrontMatter overlays meta onto the document's existing header. Keys in
// meta win. A malformed existing header is replaced.
func MergeFrontMatter(doc string, meta map[string]any) (string, error) {
	existing, body, err := ExtractFrontMatter(doc)
	if err != nil && !errors.Is(err, ErrMalformedFrontMatter) {
		return "", err
	}
	for k, v := range meta {
		existing[k] = v
	}
	return Render(existing, body)
}

// ExtractTitle returns the front matter title, else the first markdown
// heading, else fallback.
func ExtractTitle(doc, fallback string) string {
	meta, body, _ := ExtractFrontMatter(doc)
	if t, ok := meta["title"].(string); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	if h := firstHeading(body); h != "" {
		return h
	}
	return fallback
}

func firstHeading(body string) string {
	p := parser.NewWithExtensions(parser.CommonExtensions)
	root := markdown.Parse([]byte(body), p)

	var title string
	ast.WalkFunc(root, func(node ast.Node, entering bool) ast.WalkStatus {
		h, ok := node.(*ast.Heading)
		if !ok || !entering {
			return ast.GoToNext
		}
		title = strings.TrimSpace(nodeText(h))
		if title == "" {
			return ast.GoToNext
		}
		return ast.Terminate
	})
	return title
}

func nodeText(n ast.Node) string {
	var b strings.Builder
	ast.WalkFunc(n, func(node ast.Node, entering bool) ast.WalkStatus {
		if !entering {
			return ast.GoToNext
		}
		switch t := node.(type) {
		case *ast.Text:
			b.Write(t.Literal)
		case *ast.Code:
			b.Write(t.Literal)
		}
		return ast.GoToNext
	})
	return b.String()
}

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*#*\s*$`)

// sectionBounds finds the heading line for name and the index of the next
// heading at the same or a higher level. end is exclusive.
func sectionBounds(lines []string, name string) (start, end int, ok bool) {
	level := 0
	start = -1
	for i, line := range lines {
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if start >= 0 {
			if len(m[1]) <= level {
				return start, i, true
			}
			continue
		}
		if strings.EqualFold(strings.TrimSpace(m[2]), strings.TrimSpace(name)) {
			start = i
			level = len(m[1])
		}
	}
	if start < 0 {
		return 0, 0, false
	}
	return start, len(lines), true
}

// Section returns the text under the named heading, excluding the heading
// itself, or "" when the section is missing.
func Section(body, name string) string {
	lines := strings.Split(body, "\n")
	start, end, ok := sectionBounds(lines, name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines[start+1:end], "\n"))
}

// StripFrontMatter returns only the body of a document.
func StripFrontMatter(doc string) string {
	_, body, _ := SplitFrontMatter(doc)
	return body
}
