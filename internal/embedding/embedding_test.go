package embedding

import (
	"context"
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/grove/internal/store"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"Hello World", 2},
		{"Go developer, prefers minimal dependencies.", 5},
		{"a b c", 0}, // single chars skipped
		{"SQLite WAL mode", 3},
		{"", 0},
	}

	for _, tt := range tests {
		tokens := tokenize(tt.input)
		if len(tokens) != tt.want {
			t.Errorf("tokenize(%q) = %d tokens %v, want %d", tt.input, len(tokens), tokens, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	vec := []float64{3, 4}
	normalize(vec)
	assert.InDelta(t, 1.0, math.Hypot(vec[0], vec[1]), 1e-10)

	zero := []float64{0, 0, 0}
	normalize(zero) // should not panic
	assert.Equal(t, []float64{0, 0, 0}, zero)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 0, 0}, []float64{1, 0, 0}), 1e-10)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-10)
	assert.InDelta(t, -1.0, CosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-10)
	assert.Equal(t, 0.0, CosineSimilarity([]float64{1}, []float64{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{0, 0}, []float64{1, 0}))
	assert.InDelta(t, 0.0, Distance([]float64{2, 0}, []float64{5, 0}), 1e-10)
}

func TestTFIDFEmbedder(t *testing.T) {
	emb := NewTFIDFEmbedder([]string{
		"memory consolidation during sleep",
		"memory retrieval cues",
		"gardening tomatoes in summer",
	}, 64)
	ctx := context.Background()

	a, err := emb.Embed(ctx, "sleep and memory")
	require.NoError(t, err)
	b, _ := emb.Embed(ctx, "memory consolidation")
	c, _ := emb.Embed(ctx, "tomatoes")

	assert.Len(t, a, emb.Dimensions())
	assert.Greater(t, CosineSimilarity(a, b), CosineSimilarity(a, c))

	empty, err := emb.Embed(ctx, "")
	require.NoError(t, err)
	assert.Len(t, empty, emb.Dimensions())
}

func TestTFIDFEmptyCorpus(t *testing.T) {
	emb := NewTFIDFEmbedder(nil, 0)
	assert.Equal(t, 1, emb.Dimensions())
	v, err := emb.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Len(t, v, 1)
}

func TestTFIDFModelTracksVocabulary(t *testing.T) {
	a := NewTFIDFEmbedder([]string{"stars orbit", "tomatoes grow"}, 0)
	b := NewTFIDFEmbedder([]string{"stars orbit", "tomatoes grow"}, 0)
	c := NewTFIDFEmbedder([]string{"stars orbit", "tomatoes grow", "bread dough"}, 0)

	assert.True(t, strings.HasPrefix(a.Model(), "tfidf:"))
	assert.Equal(t, a.Model(), b.Model())
	assert.NotEqual(t, a.Model(), c.Model())
}

func corpusDocs(t *testing.T, ps *store.PageStore) []string {
	t.Helper()
	pages, err := ps.List(context.Background(), "")
	require.NoError(t, err)
	var docs []string
	for _, p := range pages {
		docs = append(docs, PageText(p))
	}
	return docs
}

func TestIndexReembedsAfterVocabularyChange(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ps := store.NewPageStore(db, nil)
	ctx := context.Background()

	const astronomy = "telescope galaxies nebula stars orbit"
	_, err = ps.Create(ctx, "Gardening", "compost soil seedlings watering mulch", store.TypeConcept)
	require.NoError(t, err)
	_, err = ps.Create(ctx, "Astronomy", astronomy, store.TypeConcept)
	require.NoError(t, err)

	first := NewIndex(ps, NewTFIDFEmbedder(corpusDocs(t, ps), 128), nil)
	n, err := first.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = ps.Create(ctx, "Cooking", "simmer sauce knead dough oven", store.TypeConcept)
	require.NoError(t, err)

	second := NewIndex(ps, NewTFIDFEmbedder(corpusDocs(t, ps), 128), nil)
	require.NotEqual(t, first.Embedder().Model(), second.Embedder().Model())

	n, err = second.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err := second.QueryNearest(ctx, astronomy, 3, Filter{})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "concept/Astronomy", res[0].ID)
	assert.Less(t, res[0].Distance, 0.5)
	assert.Less(t, res[0].Distance, res[1].Distance)
}

func TestPageTextKeepsValidUTF8(t *testing.T) {
	body := strings.Repeat("é", maxEmbedChars)
	p := &store.Page{Name: "Accents", Type: store.TypeConcept, Body: body}

	text := PageText(p)
	assert.LessOrEqual(t, len(text), maxEmbedChars)
	assert.True(t, utf8.ValidString(text))
}

func testIndex(t *testing.T) (*Index, *store.PageStore) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ps := store.NewPageStore(db, nil)

	ctx := context.Background()
	_, err = ps.Create(ctx, "Sleep", "Sleep consolidates memory overnight.", store.TypeConcept)
	require.NoError(t, err)
	_, err = ps.Create(ctx, "Tomato", "Tomatoes grow in summer gardens.", store.TypeEntity)
	require.NoError(t, err)
	_, err = ps.Create(ctx, "Recall", "Memory recall depends on retrieval cues.", store.TypeConcept)
	require.NoError(t, err)

	pages, err := ps.List(ctx, "")
	require.NoError(t, err)
	var docs []string
	for _, p := range pages {
		docs = append(docs, PageText(p))
	}
	return NewIndex(ps, NewTFIDFEmbedder(docs, 128), nil), ps
}

func TestIndexQueryNearest(t *testing.T) {
	ix, _ := testIndex(t)
	ctx := context.Background()

	res, err := ix.QueryNearest(ctx, "memory consolidation in sleep", 2, Filter{})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "concept/Sleep", res[0].ID)
	assert.Equal(t, "Sleep", res[0].Metadata["name"])
	assert.LessOrEqual(t, res[0].Distance, res[1].Distance)

	res, err = ix.QueryNearest(ctx, "memory", 5, Filter{Type: store.TypeEntity})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "entity", res[0].Metadata["type"])

	res, err = ix.QueryNearest(ctx, "memory", 0, Filter{})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestIndexSyncOnlyStale(t *testing.T) {
	ix, ps := testIndex(t)
	ctx := context.Background()

	n, err := ix.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = ix.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = ps.Create(ctx, "Dreams", "Dreams replay memory.", store.TypeConcept)
	require.NoError(t, err)
	n, err = ix.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
