package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/grove/internal/maturity"
	"github.com/lazypower/grove/internal/wikilink"
)

// PageType partitions the knowledge base.
type PageType string

const (
	TypeEntity       PageType = "entity"
	TypeConcept      PageType = "concept"
	TypeRelationship PageType = "relationship"
	TypeJournal      PageType = "journal"
	TypeMeta         PageType = "meta"
)

// PageTypes lists every partition in lookup order. A read without an
// explicit type returns the first match in this order.
var PageTypes = []PageType{TypeEntity, TypeConcept, TypeRelationship, TypeJournal, TypeMeta}

// ParsePageType validates a page type name. The empty string is accepted
// and means "any partition".
func ParsePageType(s string) (PageType, error) {
	if s == "" {
		return "", nil
	}
	t := PageType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range PageTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

func validType(t PageType) bool {
	_, err := ParsePageType(string(t))
	return err == nil && t != ""
}

// Page is a markdown document plus its metadata.
type Page struct {
	ID         int64
	Type       PageType
	Name       string
	Body       string
	Meta       map[string]any
	CreatedAt  time.Time
	ModifiedAt time.Time
	Maturity   maturity.State

	targets []string
}

// Outgoing returns the distinct link targets in the body.
func (p *Page) Outgoing() []string {
	if p.targets == nil {
		p.targets = wikilink.UniqueTargets(wikilink.ExtractLinks(p.Body))
	}
	return p.targets
}

// Links returns every wikilink in the body in document order.
func (p *Page) Links() []wikilink.Link {
	return wikilink.ExtractLinks(p.Body)
}

// Title returns the metadata title, else the first heading, else the name.
func (p *Page) Title() string {
	if t, ok := p.Meta["title"].(string); ok && strings.TrimSpace(t) != "" {
		return t
	}
	return wikilink.ExtractTitle(p.Body, p.Name)
}

// Content renders the page as stored: front matter followed by body.
func (p *Page) Content() (string, error) {
	return wikilink.Render(p.header(), p.Body)
}

func (p *Page) setBody(body string) {
	p.Body = body
	p.targets = nil
}

type headerMaturity struct {
	Level        int        `yaml:"level"`
	DepthScore   float64    `yaml:"depth_score"`
	LastDeepened *time.Time `yaml:"last_deepened"`
}

// pageHeader is the YAML front matter layout. Unknown keys survive a
// round trip through Extra.
type pageHeader struct {
	Type             PageType                  `yaml:"type"`
	Created          time.Time                 `yaml:"created"`
	Modified         time.Time                 `yaml:"modified"`
	Maturity         headerMaturity            `yaml:"maturity"`
	Connections      maturity.Connections      `yaml:"connections"`
	SynthesisHistory []maturity.SynthesisEvent `yaml:"synthesis_history"`
	Extra            map[string]any            `yaml:",inline"`
}

var reservedKeys = []string{"type", "created", "modified", "maturity", "connections", "synthesis_history"}

func (p *Page) header() pageHeader {
	extra := make(map[string]any, len(p.Meta))
	for k, v := range p.Meta {
		extra[k] = v
	}
	for _, k := range reservedKeys {
		delete(extra, k)
	}
	history := p.Maturity.History
	if history == nil {
		history = []maturity.SynthesisEvent{}
	}
	return pageHeader{
		Type:     p.Type,
		Created:  p.CreatedAt.UTC(),
		Modified: p.ModifiedAt.UTC(),
		Maturity: headerMaturity{
			Level:        p.Maturity.Level,
			DepthScore:   p.Maturity.DepthScore,
			LastDeepened: p.Maturity.LastDeepenedAt,
		},
		Connections:      p.Maturity.Connections,
		SynthesisHistory: history,
		Extra:            extra,
	}
}

func (h pageHeader) state() maturity.State {
	return maturity.State{
		Level:          h.Maturity.Level,
		DepthScore:     h.Maturity.DepthScore,
		LastDeepenedAt: h.Maturity.LastDeepened,
		Connections:    h.Connections,
		History:        h.SynthesisHistory,
	}
}

// splitBody separates caller-supplied front matter from the body text.
// Reserved keys are dropped; maturity is owned by the store.
func splitBody(body string) (map[string]any, string) {
	meta, text, err := wikilink.ExtractFrontMatter(body)
	if err != nil {
		return nil, body
	}
	for _, k := range reservedKeys {
		delete(meta, k)
	}
	if len(meta) == 0 {
		meta = nil
	}
	return meta, text
}

// nameKey is the case-insensitive identity of a page within a partition.
func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, "[]|#\n") {
		return fmt.Errorf("%w: %q contains link syntax", ErrInvalidName, name)
	}
	return nil
}
