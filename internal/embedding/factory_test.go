package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/grove/internal/config"
)

func stubProbe(t *testing.T, ok bool) {
	t.Helper()
	orig := probe
	probe = func(string, string) bool { return ok }
	t.Cleanup(func() { probe = orig })
}

func TestFromConfigAutoFallsBackToTFIDF(t *testing.T) {
	stubProbe(t, false)
	cfg := config.Default().Embedding

	emb, err := FromConfig(context.Background(), cfg, "", []string{"memory recall", "sleep memory"}, nil)
	require.NoError(t, err)
	_, ok := emb.(*TFIDFEmbedder)
	assert.True(t, ok, "got %T", emb)
}

func TestFromConfigAutoPrefersOllama(t *testing.T) {
	stubProbe(t, true)
	cfg := config.Default().Embedding

	emb, err := FromConfig(context.Background(), cfg, "key", nil, nil)
	require.NoError(t, err)
	o, ok := emb.(*OllamaEmbedder)
	require.True(t, ok, "got %T", emb)
	assert.Equal(t, "ollama:"+cfg.Model, o.Model())
}

func TestFromConfigExplicit(t *testing.T) {
	stubProbe(t, false)
	cfg := config.Default().Embedding

	cfg.Provider = "none"
	emb, err := FromConfig(context.Background(), cfg, "", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, emb)

	cfg.Provider = "TFIDF"
	emb, err = FromConfig(context.Background(), cfg, "", []string{"a doc"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, emb)

	cfg.Provider = "gemini"
	_, err = FromConfig(context.Background(), cfg, "", nil, nil)
	assert.Error(t, err, "gemini without a key")

	cfg.Provider = "word2vec"
	_, err = FromConfig(context.Background(), cfg, "", nil, nil)
	assert.Error(t, err)
}
