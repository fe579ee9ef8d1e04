package retrieval

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lazypower/grove/internal/config"
	"github.com/lazypower/grove/internal/embedding"
	"github.com/lazypower/grove/internal/store"
)

type pageDef struct {
	name string
	body string
	typ  store.PageType
}

func testStore(t *testing.T, pages ...pageDef) *store.PageStore {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ps := store.NewPageStore(db, zaptest.NewLogger(t))
	for _, p := range pages {
		typ := p.typ
		if typ == "" {
			typ = store.TypeConcept
		}
		_, err := ps.Create(context.Background(), p.name, p.body, typ)
		require.NoError(t, err)
	}
	return ps
}

func testEngine(t *testing.T, ps *store.PageStore, index *embedding.Index) *Engine {
	t.Helper()
	e, err := New(ps, index, config.Default().Retrieval, 16, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func opts(maxDepth, maxPages int) Options {
	return Options{
		MaxDepth:           maxDepth,
		MaxPages:           maxPages,
		RelevanceThreshold: 0.3,
		NoveltyThreshold:   0.3,
		LowNoveltyStreak:   3,
	}
}

func TestRelevance(t *testing.T) {
	assert.InDelta(t, 1.0, Relevance(0, 0.5), 1e-9)
	assert.InDelta(t, 0.5, Relevance(0.5, 0.5), 1e-9)
	assert.Equal(t, 0.0, Relevance(1.5, 0.5))
}

func TestSubstringEntryPoints(t *testing.T) {
	ps := testStore(t,
		pageDef{name: "Sleep", body: "Sleep helps memory."},
		pageDef{name: "Dreams", body: "Dreams happen during sleep."},
		pageDef{name: "Gardening", body: "Tomatoes and basil."},
		pageDef{name: "Sleep Lab", body: "A lab.", typ: store.TypeEntity},
	)
	e := testEngine(t, ps, nil)
	ctx := context.Background()

	got, err := e.FindEntryPoints(ctx, "sleep", 5, "")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Sleep", got[0].Name)
	assert.InDelta(t, 1.0, got[0].Relevance, 1e-9)
	assert.Equal(t, "Sleep Lab", got[1].Name)
	assert.Equal(t, "Dreams", got[2].Name)

	got, err = e.FindEntryPoints(ctx, "sleep", 5, store.TypeEntity)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Sleep Lab", got[0].Name)

	got, err = e.FindEntryPoints(ctx, "sleep", 1, "")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = e.FindEntryPoints(ctx, "basil tomatoes harvest", 5, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Gardening", got[0].Name)
}

func hubStore(t *testing.T, spokes int) *store.PageStore {
	t.Helper()
	var links strings.Builder
	defs := []pageDef{}
	for i := range spokes {
		name := "Spoke " + string(rune('A'+i))
		links.WriteString("[[" + name + "]] ")
		defs = append(defs, pageDef{name: name, body: "A spoke."})
	}
	defs = append(defs, pageDef{name: "Hub", body: "The hub. " + links.String()})
	return testStore(t, defs...)
}

func entries(t *testing.T, e *Engine, query string) []RankedPage {
	t.Helper()
	got, err := e.FindEntryPoints(context.Background(), query, 1, "")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	return got
}

func TestTraverseRespectsMaxPages(t *testing.T) {
	ps := hubStore(t, 8)
	e := testEngine(t, ps, nil)

	tr, err := e.TraverseLinks(context.Background(), entries(t, e, "hub"), "hub", opts(2, 3))
	require.NoError(t, err)
	assert.Len(t, tr.Results, 3)
	assert.Equal(t, StopMaxPages, tr.StopReason)
	assert.False(t, tr.StoppedEarly)
}

func TestTraverseRespectsMaxDepth(t *testing.T) {
	ps := testStore(t,
		pageDef{name: "Alpha", body: "Start. [[Beta]]"},
		pageDef{name: "Beta", body: "Next. [[Gamma]]"},
		pageDef{name: "Gamma", body: "Further. [[Delta]]"},
		pageDef{name: "Delta", body: "The end."},
	)
	e := testEngine(t, ps, nil)

	tr, err := e.TraverseLinks(context.Background(), entries(t, e, "alpha"), "alpha", opts(2, 10))
	require.NoError(t, err)

	var names []string
	for _, r := range tr.Results {
		assert.LessOrEqual(t, r.Depth, 2)
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"Alpha", "Beta", "Gamma"}, names)
	assert.Equal(t, "Beta", tr.Results[2].Via)
	assert.InDelta(t, 0.64, tr.Results[2].Relevance, 1e-9)
	assert.Equal(t, StopExhausted, tr.StopReason)
}

func TestTraverseFirstPageFullyNovel(t *testing.T) {
	ps := hubStore(t, 3)
	e := testEngine(t, ps, nil)

	tr, err := e.TraverseLinks(context.Background(), entries(t, e, "hub"), "hub", opts(1, 10))
	require.NoError(t, err)
	require.NotEmpty(t, tr.Results)
	assert.Equal(t, 1.0, tr.Results[0].Novelty)
	assert.Equal(t, 1.0, tr.Novelty[tr.Results[0].Name])
}

func TestTraverseStopsOnLowNoveltyStreak(t *testing.T) {
	ps := testStore(t,
		pageDef{name: "Hub", body: "[[X1]] [[X2]] [[X3]] [[X4]] [[X5]]"},
		pageDef{name: "X1", body: "[[Shared One]] [[Shared Two]]"},
		pageDef{name: "X2", body: "[[Shared One]] [[Shared Two]]"},
		pageDef{name: "X3", body: "[[Shared One]] [[Shared Two]]"},
		pageDef{name: "X4", body: "[[Shared One]] [[Shared Two]]"},
		pageDef{name: "X5", body: "[[Shared One]] [[Shared Two]]"},
	)
	e := testEngine(t, ps, nil)

	tr, err := e.TraverseLinks(context.Background(), entries(t, e, "hub"), "hub", opts(1, 10))
	require.NoError(t, err)
	assert.True(t, tr.StoppedEarly)
	assert.Equal(t, StopLowNovelty, tr.StopReason)
	require.Len(t, tr.Results, 2)
	assert.Equal(t, "X1", tr.Results[1].Name)
	assert.Equal(t, 0.0, tr.Novelty["X2"])
	assert.NotContains(t, tr.Novelty, "X5")
}

func TestTraverseTypeAdjustments(t *testing.T) {
	ps := testStore(t,
		pageDef{name: "Hub", body: "[[Plain]] [[Person]] [[Index]]"},
		pageDef{name: "Plain", body: "plain"},
		pageDef{name: "Person", body: "someone", typ: store.TypeEntity},
		pageDef{name: "Index", body: "listing", typ: store.TypeMeta},
	)
	e := testEngine(t, ps, nil)

	tr, err := e.TraverseLinks(context.Background(), entries(t, e, "hub"), "hub", opts(1, 10))
	require.NoError(t, err)
	rel := map[string]float64{}
	for _, r := range tr.Results {
		rel[r.Name] = r.Relevance
	}
	assert.InDelta(t, 0.8, rel["Plain"], 1e-9)
	assert.InDelta(t, 0.85, rel["Person"], 1e-9)
	assert.InDelta(t, 0.7, rel["Index"], 1e-9)
}

func TestTraverseEmptyEntries(t *testing.T) {
	e := testEngine(t, testStore(t), nil)
	tr, err := e.TraverseLinks(context.Background(), nil, "anything", opts(2, 5))
	require.NoError(t, err)
	assert.Empty(t, tr.Results)
	assert.False(t, tr.StoppedEarly)
}

func TestSynthesizeContext(t *testing.T) {
	ps := testStore(t,
		pageDef{name: "Alpha", body: "Alpha body. [[Beta]]"},
		pageDef{name: "Beta", body: "Beta body."},
	)
	e := testEngine(t, ps, nil)
	tr, err := e.TraverseLinks(context.Background(), entries(t, e, "alpha"), "alpha", opts(1, 5))
	require.NoError(t, err)

	c := SynthesizeContext(tr.Results, "alpha", 2000)
	assert.False(t, c.Truncated)
	assert.Contains(t, c.Text, "# Context: alpha")
	assert.Contains(t, c.Text, "## Core")
	assert.Contains(t, c.Text, "### Alpha (concept, relevance 1.00)")
	assert.Contains(t, c.Text, "Alpha links to Beta")

	short := SynthesizeContext(tr.Results, "alpha", 10)
	assert.True(t, short.Truncated)
	assert.LessOrEqual(t, len(short.Text), 40)

	empty := SynthesizeContext(nil, "nothing", 100)
	assert.Contains(t, empty.Text, "No related pages found.")
}

func TestTruncateRuneBoundary(t *testing.T) {
	s, cut := truncate("héllo", 2)
	assert.True(t, cut)
	assert.Equal(t, "h", s)

	s, cut = truncate("abc", 0)
	assert.False(t, cut)
	assert.Equal(t, "abc", s)
}

func TestRetrieveSemantic(t *testing.T) {
	ps := testStore(t,
		pageDef{name: "Sleep", body: "Sleep consolidates memory. [[Dreams]]"},
		pageDef{name: "Dreams", body: "Dreams replay memory during sleep."},
		pageDef{name: "Tomato", body: "Tomatoes grow in summer gardens.", typ: store.TypeEntity},
	)
	ctx := context.Background()
	pages, err := ps.List(ctx, "")
	require.NoError(t, err)
	var docs []string
	for _, p := range pages {
		docs = append(docs, embedding.PageText(p))
	}
	index := embedding.NewIndex(ps, embedding.NewTFIDFEmbedder(docs, 128), nil)
	e := testEngine(t, ps, index)

	got, err := e.Retrieve(ctx, "sleep memory", RetrieveOptions{EntryPoints: 1})
	require.NoError(t, err)
	require.NotEmpty(t, got.Pages)
	assert.Contains(t, []string{"Sleep", "Dreams"}, got.Pages[0].Name)
	assert.Equal(t, 1.0, got.Pages[0].Novelty)
	for _, p := range got.Pages {
		assert.NotEqual(t, "Tomato", p.Name)
	}

	// page vectors are served from the cache after a traversal
	assert.Positive(t, e.vectors.Len())
}
