package embedding

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lazypower/grove/internal/store"
)

// maxEmbedChars bounds the text sent to an embedding service per page.
const maxEmbedChars = 8000

// Result is one nearest-neighbor hit. Lower Distance is more similar.
type Result struct {
	ID       string
	Distance float64
	Metadata map[string]string
}

// Filter narrows a nearest-neighbor query. The zero value matches all pages.
type Filter struct {
	Type store.PageType
}

// ResultID is the identifier used for a page in query results.
func ResultID(t store.PageType, name string) string { return string(t) + "/" + name }

// Index keeps page vectors in the store in step with page content and
// answers nearest-neighbor queries over them.
type Index struct {
	pages *store.PageStore
	emb   Embedder
	log   *zap.Logger

	mu sync.Mutex // serializes Sync
}

// NewIndex creates an index over the page store.
func NewIndex(pages *store.PageStore, emb Embedder, log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{pages: pages, emb: emb, log: log}
}

// Embedder returns the underlying embedder.
func (ix *Index) Embedder() Embedder { return ix.emb }

// Embed embeds arbitrary text.
func (ix *Index) Embed(ctx context.Context, text string) ([]float64, error) {
	return ix.emb.Embed(ctx, text)
}

// PageText is the text embedded for a page.
func PageText(p *store.Page) string {
	text := p.Title() + "\n\n" + p.Body
	if len(text) > maxEmbedChars {
		cut := maxEmbedChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

// Sync embeds every page whose vector is missing, from another model, or
// older than the page. Per-page failures are logged and skipped.
func (ix *Index) Sync(ctx context.Context) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	db := ix.pages.DB()
	stale, err := db.StalePageIDs(ctx, ix.emb.Model())
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	want := make(map[int64]bool, len(stale))
	for _, id := range stale {
		want[id] = true
	}

	pages, err := ix.pages.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list pages: %w", err)
	}

	embedded := 0
	for _, p := range pages {
		if !want[p.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return embedded, err
		}
		vec, err := ix.emb.Embed(ctx, PageText(p))
		if err != nil {
			ix.log.Warn("embed page failed", zap.String("page", p.Name), zap.Error(err))
			continue
		}
		if err := db.SaveVector(ctx, p.ID, vec, ix.emb.Model()); err != nil {
			return embedded, err
		}
		embedded++
	}
	if embedded > 0 {
		ix.log.Debug("embedded pages", zap.Int("count", embedded))
	}
	return embedded, nil
}

// QueryNearest returns the k pages closest to text. Metadata carries
// "type" and "name".
func (ix *Index) QueryNearest(ctx context.Context, text string, k int, f Filter) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	if _, err := ix.Sync(ctx); err != nil {
		return nil, fmt.Errorf("sync vectors: %w", err)
	}
	q, err := ix.emb.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	records, err := ix.pages.DB().AllVectors(ctx)
	if err != nil {
		return nil, err
	}

	model := ix.emb.Model()
	results := make([]Result, 0, len(records))
	for _, r := range records {
		if r.Model != model {
			continue
		}
		if f.Type != "" && r.PageType != f.Type {
			continue
		}
		results = append(results, Result{
			ID:       ResultID(r.PageType, r.PageName),
			Distance: Distance(q, r.Embedding),
			Metadata: map[string]string{"type": string(r.PageType), "name": r.PageName},
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
