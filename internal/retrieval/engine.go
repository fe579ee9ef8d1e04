// Package retrieval assembles query context from the page graph: semantic
// entry points followed by a relevance- and novelty-bounded link traversal.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/grove/internal/config"
	"github.com/lazypower/grove/internal/embedding"
	"github.com/lazypower/grove/internal/store"
)

const (
	depthDecay    = 0.8
	entityBoost   = 0.05
	metaPenalty   = 0.1
	warmupWorkers = 4
)

// RankedPage is a page selected for a retrieval context.
type RankedPage struct {
	Page      *store.Page `json:"-"`
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	Relevance float64     `json:"relevance"`
	Novelty   float64     `json:"novelty"`
	Depth     int         `json:"depth"`
	Via       string      `json:"via,omitempty"` // page the traversal reached this one from

	base float64 // undecayed relevance, inherited by neighbors without vectors
}

// Options bounds a traversal.
type Options struct {
	MaxDepth           int
	MaxPages           int
	RelevanceThreshold float64
	NoveltyThreshold   float64
	LowNoveltyStreak   int
}

// OptionsFrom builds traversal options from configuration.
func OptionsFrom(cfg config.RetrievalConfig) Options {
	return Options{
		MaxDepth:           cfg.MaxDepth,
		MaxPages:           cfg.MaxPages,
		RelevanceThreshold: cfg.RelevanceThreshold,
		NoveltyThreshold:   cfg.NoveltyThreshold,
		LowNoveltyStreak:   cfg.LowNoveltyStreak,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxPages <= 0 {
		o.MaxPages = 15
	}
	if o.MaxDepth < 0 {
		o.MaxDepth = 0
	}
	if o.LowNoveltyStreak <= 0 {
		o.LowNoveltyStreak = 3
	}
	return o
}

// Stop reasons reported by a traversal.
const (
	StopExhausted  = "exhausted"
	StopMaxPages   = "max-pages"
	StopLowNovelty = "low-novelty"
)

// Traversal is the outcome of TraverseLinks.
type Traversal struct {
	Results      []RankedPage       `json:"results"`
	StoppedEarly bool               `json:"stopped_early"`
	StopReason   string             `json:"stop_reason"`
	Novelty      map[string]float64 `json:"novelty"` // every considered page, keyed by name
}

type vectorKey struct {
	typ      store.PageType
	name     string
	modified int64
}

// Engine answers retrieval queries. It only reads the page store and is
// safe for concurrent use.
type Engine struct {
	pages             *store.PageStore
	index             *embedding.Index
	vectors           *lru.Cache[vectorKey, []float64]
	distanceThreshold float64
	defaults          config.RetrievalConfig
	log               *zap.Logger
}

// New creates an engine. index may be nil, in which case entry points come
// from substring search and novelty from link overlap.
func New(pages *store.PageStore, index *embedding.Index, cfg config.RetrievalConfig, cacheSize int, log *zap.Logger) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[vectorKey, []float64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create vector cache: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	dt := cfg.DistanceThreshold
	if dt <= 0 {
		dt = 0.5
	}
	return &Engine{
		pages:             pages,
		index:             index,
		vectors:           cache,
		distanceThreshold: dt,
		defaults:          cfg,
		log:               log,
	}, nil
}

// Relevance converts a nearest-neighbor distance to a score in [0,1].
func Relevance(distance, threshold float64) float64 {
	return math.Max(0, 1-distance/(2*threshold))
}

// FindEntryPoints returns up to n pages most related to query.
func (e *Engine) FindEntryPoints(ctx context.Context, query string, n int, typ store.PageType) ([]RankedPage, error) {
	if n <= 0 {
		return nil, nil
	}
	if e.index != nil {
		ranked, err := e.semanticEntryPoints(ctx, query, n, typ)
		if err == nil {
			return ranked, nil
		}
		e.log.Warn("semantic entry points failed, using substring search", zap.Error(err))
	}
	return e.substringEntryPoints(ctx, query, n, typ)
}

func (e *Engine) semanticEntryPoints(ctx context.Context, query string, n int, typ store.PageType) ([]RankedPage, error) {
	hits, err := e.index.QueryNearest(ctx, query, n*2, embedding.Filter{Type: typ})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(hits))
	var out []RankedPage
	for _, h := range hits {
		if len(out) == n {
			break
		}
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		p, err := e.pages.Read(ctx, h.Metadata["name"], store.PageType(h.Metadata["type"]))
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		rel := Relevance(h.Distance, e.distanceThreshold)
		out = append(out, ranked(p, rel, 0, ""))
	}
	return out, nil
}

// substringEntryPoints matches the whole query first, then individual terms.
func (e *Engine) substringEntryPoints(ctx context.Context, query string, n int, typ store.PageType) ([]RankedPage, error) {
	pages, err := e.pages.List(ctx, typ)
	if err != nil {
		return nil, err
	}
	var out []RankedPage
	for _, p := range pages {
		if rel := textRelevance(p, query); rel > 0 {
			out = append(out, ranked(p, rel, 0, ""))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Relevance > out[j].Relevance })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// textRelevance scores a page against a query without embeddings.
func textRelevance(p *store.Page, query string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	name := strings.ToLower(p.Name)
	body := strings.ToLower(p.Body)
	switch {
	case name == q:
		return 1
	case strings.Contains(name, q):
		return 0.9
	case strings.Contains(body, q):
		return 0.8
	}
	terms := queryTerms(q)
	if len(terms) == 0 {
		return 0
	}
	hits := 0
	for _, t := range terms {
		if strings.Contains(name, t) || strings.Contains(body, t) {
			hits++
		}
	}
	return 0.7 * float64(hits) / float64(len(terms))
}

func queryTerms(q string) []string {
	var terms []string
	for _, f := range strings.FieldsFunc(q, func(r rune) bool {
		return !(r == '-' || r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	}) {
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}

func ranked(p *store.Page, base float64, depth int, via string) RankedPage {
	return RankedPage{
		Page:      p,
		Name:      p.Name,
		Type:      string(p.Type),
		Relevance: base,
		Depth:     depth,
		Via:       via,
		base:      base,
	}
}

// pageVector returns the embedding for p, from cache, the vector table, or
// a fresh embedding call. It returns nil when no embedder is configured.
func (e *Engine) pageVector(ctx context.Context, p *store.Page) ([]float64, error) {
	if e.index == nil {
		return nil, nil
	}
	key := vectorKey{typ: p.Type, name: p.Name, modified: p.ModifiedAt.UnixMilli()}
	if v, ok := e.vectors.Get(key); ok {
		return v, nil
	}
	model := e.index.Embedder().Model()
	rec, err := e.pages.DB().GetVector(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	var vec []float64
	if rec != nil && rec.Model == model && rec.CreatedAt >= key.modified {
		vec = rec.Embedding
	} else {
		vec, err = e.index.Embed(ctx, embedding.PageText(p))
		if err != nil {
			return nil, err
		}
	}
	e.vectors.Add(key, vec)
	return vec, nil
}

// warm fills the vector cache for pages concurrently. Failures are left
// for the traversal to handle.
func (e *Engine) warm(ctx context.Context, pages []*store.Page) {
	if e.index == nil || len(pages) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmupWorkers)
	for _, p := range pages {
		g.Go(func() error {
			if _, err := e.pageVector(gctx, p); err != nil {
				e.log.Debug("vector warmup failed", zap.String("page", p.Name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
