package retrieval

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/grove/internal/embedding"
	"github.com/lazypower/grove/internal/store"
)

// snapshot is a read-only view of the link graph for one traversal.
type snapshot struct {
	byKey     map[string]*store.Page // first partition in lookup order wins
	backlinks map[string][]*store.Page
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (e *Engine) snapshot(ctx context.Context) (*snapshot, error) {
	pages, err := e.pages.List(ctx, "")
	if err != nil {
		return nil, err
	}
	s := &snapshot{
		byKey:     make(map[string]*store.Page, len(pages)),
		backlinks: make(map[string][]*store.Page),
	}
	for _, p := range pages {
		if _, ok := s.byKey[key(p.Name)]; !ok {
			s.byKey[key(p.Name)] = p
		}
	}
	for _, p := range pages {
		for _, t := range p.Outgoing() {
			if key(t) != key(p.Name) {
				s.backlinks[key(t)] = append(s.backlinks[key(t)], p)
			}
		}
	}
	return s, nil
}

// neighbors returns existing pages linked from p followed by pages linking to p.
func (s *snapshot) neighbors(p *store.Page) []*store.Page {
	seen := map[string]bool{key(p.Name): true}
	var out []*store.Page
	for _, t := range p.Outgoing() {
		n, ok := s.byKey[key(t)]
		if !ok || seen[key(n.Name)] {
			continue
		}
		seen[key(n.Name)] = true
		out = append(out, n)
	}
	for _, n := range s.backlinks[key(p.Name)] {
		if seen[key(n.Name)] {
			continue
		}
		seen[key(n.Name)] = true
		out = append(out, n)
	}
	return out
}

// accepted is a page admitted to the context pool.
type accepted struct {
	vec   []float64
	links map[string]bool
}

func linkSet(p *store.Page) map[string]bool {
	set := make(map[string]bool)
	for _, t := range p.Outgoing() {
		set[key(t)] = true
	}
	return set
}

// linkNovelty is 1 minus the largest share of p's links already covered by
// a single accepted page.
func linkNovelty(links map[string]bool, pool []accepted) float64 {
	if len(pool) == 0 || len(links) == 0 {
		return 1
	}
	worst := 0.0
	for _, a := range pool {
		maxPossible := min(len(links), len(a.links))
		if maxPossible == 0 {
			continue
		}
		overlap := 0
		for l := range links {
			if a.links[l] {
				overlap++
			}
		}
		worst = max(worst, float64(overlap)/float64(maxPossible))
	}
	return 1 - worst
}

func vectorNovelty(vec []float64, pool []accepted) (float64, bool) {
	if vec == nil {
		return 0, false
	}
	best := 0.0
	compared := false
	for _, a := range pool {
		if a.vec == nil {
			return 0, false
		}
		best = max(best, embedding.CosineSimilarity(vec, a.vec))
		compared = true
	}
	if !compared {
		return 1, true
	}
	return 1 - best, true
}

func typeAdjust(t store.PageType) float64 {
	switch t {
	case store.TypeEntity:
		return entityBoost
	case store.TypeMeta:
		return -metaPenalty
	default:
		return 0
	}
}

func decay(depth int) float64 {
	f := 1.0
	for range depth {
		f *= depthDecay
	}
	return f
}

type frontier struct {
	page  *store.Page
	depth int
	via   string
	base  float64
}

// TraverseLinks walks the link graph breadth-first from the entry points,
// admitting pages that are both relevant to the query and novel relative to
// what is already admitted. It stops after MaxPages admissions or once
// LowNoveltyStreak consecutive candidates fail the novelty check.
func (e *Engine) TraverseLinks(ctx context.Context, entries []RankedPage, query string, opts Options) (*Traversal, error) {
	opts = opts.withDefaults()
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var queryVec []float64
	if e.index != nil {
		queryVec, err = e.index.Embed(ctx, query)
		if err != nil {
			e.log.Warn("embed query failed, using link overlap", zap.Error(err))
			queryVec = nil
		}
	}

	warm := make([]*store.Page, 0, len(entries))
	for _, en := range entries {
		if en.Page == nil {
			continue
		}
		warm = append(warm, en.Page)
		warm = append(warm, snap.neighbors(en.Page)...)
	}
	e.warm(ctx, warm)

	out := &Traversal{Novelty: make(map[string]float64), StopReason: StopExhausted}
	queue := make([]frontier, 0, len(entries))
	visited := make(map[string]bool)
	for _, en := range entries {
		if en.Page == nil || visited[key(en.Page.Name)] {
			continue
		}
		visited[key(en.Page.Name)] = true
		queue = append(queue, frontier{page: en.Page, base: en.base})
	}

	var pool []accepted
	streak := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(out.Results) >= opts.MaxPages {
			out.StopReason = StopMaxPages
			break
		}
		cur := queue[0]
		queue = queue[1:]
		p := cur.page

		var vec []float64
		if queryVec != nil {
			vec, err = e.pageVector(ctx, p)
			if err != nil {
				e.log.Debug("page vector unavailable", zap.String("page", p.Name), zap.Error(err))
				vec = nil
			}
		}

		base := cur.base
		if cur.depth > 0 {
			if vec != nil {
				base = Relevance(embedding.Distance(queryVec, vec), e.distanceThreshold)
			} else {
				base = max(base, textRelevance(p, query))
			}
		}
		rel := min(1, max(0, base*decay(cur.depth)+typeAdjust(p.Type)))
		if rel < opts.RelevanceThreshold {
			continue
		}

		links := linkSet(p)
		nov, ok := vectorNovelty(vec, pool)
		if !ok {
			nov = linkNovelty(links, pool)
		}
		out.Novelty[p.Name] = nov
		if nov < opts.NoveltyThreshold {
			streak++
			if streak >= opts.LowNoveltyStreak {
				out.StoppedEarly = true
				out.StopReason = StopLowNovelty
				break
			}
			continue
		}
		streak = 0

		rp := ranked(p, base, cur.depth, cur.via)
		rp.Relevance = rel
		rp.Novelty = nov
		out.Results = append(out.Results, rp)
		pool = append(pool, accepted{vec: vec, links: links})

		if cur.depth >= opts.MaxDepth {
			continue
		}
		for _, n := range snap.neighbors(p) {
			if visited[key(n.Name)] {
				continue
			}
			visited[key(n.Name)] = true
			queue = append(queue, frontier{page: n, depth: cur.depth + 1, via: p.Name, base: base})
		}
	}
	return out, nil
}
