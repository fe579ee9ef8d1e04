package resynth

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/grove/internal/conversation"
	"github.com/lazypower/grove/internal/maturity"
	"github.com/lazypower/grove/internal/store"
)

// Gathered is the bounded context collected for one page.
type Gathered struct {
	Connected []*store.Page // outgoing links and backlinks
	Extended  []*store.Page // two hops out
	Snippets  []conversation.Snippet
}

// GatherContext collects 1-hop and 2-hop neighbors and free-text snippets.
// Snippet sources are optional: their failures are logged and skipped.
func (p *Pipeline) GatherContext(ctx context.Context, page *store.Page) (*Gathered, error) {
	g, gctx := errgroup.WithContext(ctx)

	var all []*store.Page
	g.Go(func() error {
		pages, err := p.pages.List(gctx, "")
		if err != nil {
			return fmt.Errorf("load graph: %w", err)
		}
		all = pages
		return nil
	})

	snippets := make([][]conversation.Snippet, len(p.sources))
	if p.opts.SnippetLimit > 0 {
		for i, src := range p.sources {
			g.Go(func() error {
				found, err := src.Search(gctx, page.Name, p.opts.SnippetLimit)
				if err != nil {
					p.log.Warn("snippet search failed", zap.String("page", page.Name), zap.Error(err))
					return nil
				}
				snippets[i] = found
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Gathered{}
	for _, s := range snippets {
		out.Snippets = append(out.Snippets, s...)
	}

	graph := newGraph(all)
	seen := map[string]bool{lower(page.Name): true}
	for _, n := range graph.neighbors(page) {
		if len(out.Connected) == p.opts.OneHopLimit {
			break
		}
		seen[lower(n.Name)] = true
		out.Connected = append(out.Connected, n)
	}
	for _, c := range out.Connected {
		if len(out.Extended) >= p.opts.TwoHopLimit {
			break
		}
		for _, n := range graph.neighbors(c) {
			if len(out.Extended) >= p.opts.TwoHopLimit {
				break
			}
			if seen[lower(n.Name)] {
				continue
			}
			seen[lower(n.Name)] = true
			out.Extended = append(out.Extended, n)
		}
	}
	return out, nil
}

type graph struct {
	byName    map[string]*store.Page
	backlinks map[string][]*store.Page
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func newGraph(pages []*store.Page) *graph {
	g := &graph{byName: make(map[string]*store.Page), backlinks: make(map[string][]*store.Page)}
	for _, p := range pages {
		if _, ok := g.byName[lower(p.Name)]; !ok {
			g.byName[lower(p.Name)] = p
		}
		for _, t := range p.Outgoing() {
			if lower(t) != lower(p.Name) {
				g.backlinks[lower(t)] = append(g.backlinks[lower(t)], p)
			}
		}
	}
	return g
}

// neighbors lists existing outgoing targets first, then backlinks.
func (g *graph) neighbors(p *store.Page) []*store.Page {
	seen := map[string]bool{lower(p.Name): true}
	var out []*store.Page
	add := func(n *store.Page) {
		if n == nil || seen[lower(n.Name)] {
			return
		}
		seen[lower(n.Name)] = true
		out = append(out, n)
	}
	for _, t := range p.Outgoing() {
		add(g.byName[lower(t)])
	}
	for _, n := range g.backlinks[lower(p.Name)] {
		add(n)
	}
	return out
}

// Growth summarizes what changed around a page since its last synthesis.
type Growth struct {
	Added            int
	RecentlyDeepened []string
	Questions        []string
	Summary          string
}

// AnalyzeGrowth compares the page with its gathered context.
func (p *Pipeline) AnalyzeGrowth(page *store.Page, g *Gathered) Growth {
	out := Growth{
		Added:     page.Maturity.Connections.AddedSinceLastSynthesis,
		Questions: maturity.OpenQuestions(page.Body),
	}
	if p.detector != nil {
		for _, c := range g.Connected {
			if p.detector.RecentlyDeepened(c.Name) {
				out.RecentlyDeepened = append(out.RecentlyDeepened, c.Name)
			}
		}
	}

	var parts []string
	switch out.Added {
	case 0:
		parts = append(parts, "no new connections since last synthesis")
	case 1:
		parts = append(parts, "1 new connection since last synthesis")
	default:
		parts = append(parts, fmt.Sprintf("%d new connections since last synthesis", out.Added))
	}
	if len(out.RecentlyDeepened) > 0 {
		parts = append(parts, "recently deepened neighbors: "+strings.Join(out.RecentlyDeepened, ", "))
	}
	switch n := len(out.Questions); n {
	case 0:
	case 1:
		parts = append(parts, "1 open question")
	default:
		parts = append(parts, fmt.Sprintf("%d open questions", n))
	}
	out.Summary = strings.Join(parts, "; ")
	return out
}
