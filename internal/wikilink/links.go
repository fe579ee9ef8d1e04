// Package wikilink parses and rewrites the [[wikilinks]] and front matter
// embedded in page documents. Everything here is a pure function.
package wikilink

import (
	"regexp"
	"strings"
)

// Link is a single [[Target#Section|Alias]] reference found in a body.
// Target may name a page that does not exist yet (a red link).
type Link struct {
	Target  string `json:"target"`
	Section string `json:"section,omitempty"`
	Alias   string `json:"alias,omitempty"`
}

// String renders the link back to wikilink syntax.
func (l Link) String() string {
	var b strings.Builder
	b.WriteString("[[")
	b.WriteString(l.Target)
	if l.Section != "" {
		b.WriteByte('#')
		b.WriteString(l.Section)
	}
	if l.Alias != "" {
		b.WriteByte('|')
		b.WriteString(l.Alias)
	}
	b.WriteString("]]")
	return b.String()
}

var linkRe = regexp.MustCompile(`\[\[([^\[\]\n]+?)\]\]`)

// parseInner splits the text between [[ and ]] into its parts.
func parseInner(inner string) (Link, bool) {
	var l Link
	if i := strings.Index(inner, "|"); i >= 0 {
		l.Alias = strings.TrimSpace(inner[i+1:])
		inner = inner[:i]
	}
	if i := strings.Index(inner, "#"); i >= 0 {
		l.Section = strings.TrimSpace(inner[i+1:])
		inner = inner[:i]
	}
	l.Target = strings.TrimSpace(inner)
	if l.Target == "" {
		return Link{}, false
	}
	return l, true
}

// ExtractLinks returns every wikilink in body in document order.
// Links inside the front matter block are ignored.
func ExtractLinks(body string) []Link {
	_, content, _ := SplitFrontMatter(body)
	matches := linkRe.FindAllStringSubmatch(content, -1)
	links := make([]Link, 0, len(matches))
	for _, m := range matches {
		if l, ok := parseInner(m[1]); ok {
			links = append(links, l)
		}
	}
	return links
}

// UniqueTargets returns the distinct link targets, first occurrence wins.
// Targets are compared case-insensitively.
func UniqueTargets(links []Link) []string {
	seen := make(map[string]bool, len(links))
	var out []string
	for _, l := range links {
		key := strings.ToLower(l.Target)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, l.Target)
	}
	return out
}

// LinksTo reports whether body contains a link to target.
func LinksTo(body, target string) bool {
	for _, l := range ExtractLinks(body) {
		if strings.EqualFold(l.Target, target) {
			return true
		}
	}
	return false
}

// ReplaceLinkTarget rewrites every link pointing at oldTarget so it points at
// newTarget, keeping section and alias intact.
func ReplaceLinkTarget(body, oldTarget, newTarget string) string {
	return linkRe.ReplaceAllStringFunc(body, func(m string) string {
		l, ok := parseInner(m[2 : len(m)-2])
		if !ok || !strings.EqualFold(l.Target, oldTarget) {
			return m
		}
		l.Target = newTarget
		return l.String()
	})
}

// Placement says where AddLink puts a new link.
type Placement struct {
	section string
}

// Append places the link at the end of the body.
var Append = Placement{}

// IntoSection places the link as a list item at the end of the named
// section, creating the section when it is missing.
func IntoSection(name string) Placement {
	return Placement{section: name}
}

// AddLink adds a link to target unless the body already links to it.
func AddLink(body, target string, where Placement) string {
	if LinksTo(body, target) {
		return body
	}
	link := Link{Target: target}.String()

	if where.section == "" {
		return strings.TrimRight(body, "\n") + "\n\n" + link + "\n"
	}

	lines := strings.Split(body, "\n")
	start, end, ok := sectionBounds(lines, where.section)
	if !ok {
		return strings.TrimRight(body, "\n") + "\n\n## " + where.section + "\n\n- " + link + "\n"
	}

	// Insert after the last non-blank line of the section.
	insertAt := end
	for insertAt > start+1 && strings.TrimSpace(lines[insertAt-1]) == "" {
		insertAt--
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:insertAt]...)
	out = append(out, "- "+link)
	out = append(out, lines[insertAt:]...)
	return strings.Join(out, "\n")
}
