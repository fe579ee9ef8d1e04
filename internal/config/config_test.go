package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesEngineConstants(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 0.3, cfg.Retrieval.RelevanceThreshold)
	assert.Equal(t, 0.3, cfg.Retrieval.NoveltyThreshold)
	assert.Equal(t, 3, cfg.Retrieval.LowNoveltyStreak)
	assert.Equal(t, 10, cfg.Resynthesis.OneHopLimit)
	assert.Equal(t, 5, cfg.Resynthesis.TwoHopLimit)
	assert.True(t, cfg.Resynthesis.Validate)
	assert.False(t, cfg.Resynthesis.StrictValidation)
	assert.Equal(t, 7, cfg.Research.DaysThreshold)
	assert.Equal(t, 500, cfg.Research.HistoryLimit)
	assert.Equal(t, 3, cfg.Research.MaxFollowUps)
	assert.False(t, cfg.Research.HarvestQuestions)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.TaskDelay)
	assert.Zero(t, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, "127.0.0.1:37778", cfg.ListenAddr())
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GROVE_DATA_DIR", dir)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GROVE_DB", "")

	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(`
server:
  port: 9000
research:
  foundational_concepts: [Memory, Identity]
scheduler:
  mode: batched
  task_delay: 500ms
  task_timeout: 2m
queue_storage:
  backend: file
`), 0o644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Bind, "unset keys keep defaults")
	assert.Equal(t, []string{"Memory", "Identity"}, cfg.Research.FoundationalConcepts)
	assert.Equal(t, "batched", cfg.Scheduler.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.TaskDelay)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, "file", cfg.QueueStorage.Backend)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "sk-test", cfg.LLM.AnthropicKey)
	assert.Equal(t, filepath.Join(dir, "grove.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join(dir, "research"), cfg.QueueStorage.Dir)
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GROVE_DATA_DIR", dir)
	t.Setenv("GROVE_DB", filepath.Join(dir, "custom.db"))
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load(filepath.Join(dir, "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "custom.db"), cfg.Database.Path)
	assert.Equal(t, "claude-cli", cfg.LLM.Provider)
}

func TestLoadMalformed(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GROVE_DATA_DIR", dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
