package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all grove configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	LLM          LLMConfig          `yaml:"llm"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Resynthesis  ResynthesisConfig  `yaml:"resynthesis"`
	Research     ResearchConfig     `yaml:"research"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	QueueStorage QueueStorageConfig `yaml:"queue_storage"`
	Conversation ConversationConfig `yaml:"conversation"`
	Logging      LogConfig          `yaml:"logging"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty resolves to <data_dir>/grove.db
}

type LLMConfig struct {
	Provider        string  `yaml:"provider"` // "claude-cli", "anthropic", "ollama", "gemini"
	Model           string  `yaml:"model"`
	OllamaURL       string  `yaml:"ollama_url"`
	OllamaModel     string  `yaml:"ollama_model"`
	AnthropicKey    string  `yaml:"anthropic_key"`
	GeminiKey       string  `yaml:"gemini_key"`
	GeminiModel     string  `yaml:"gemini_model"`
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
}

type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // "auto", "ollama", "gemini", "tfidf", "none"
	Model      string `yaml:"model"`
	OllamaURL  string `yaml:"ollama_url"`
	Dimensions int    `yaml:"dimensions"`
	CacheSize  int    `yaml:"cache_size"`
}

type RetrievalConfig struct {
	EntryPoints        int     `yaml:"entry_points"`
	MaxDepth           int     `yaml:"max_depth"`
	MaxPages           int     `yaml:"max_pages"`
	RelevanceThreshold float64 `yaml:"relevance_threshold"`
	NoveltyThreshold   float64 `yaml:"novelty_threshold"`
	LowNoveltyStreak   int     `yaml:"low_novelty_streak"`
	DistanceThreshold  float64 `yaml:"distance_threshold"`
	MaxTokens          int     `yaml:"max_tokens"`
}

type ResynthesisConfig struct {
	Validate         bool    `yaml:"validate"`
	StrictValidation bool    `yaml:"strict_validation"` // validation errors fail the run instead of passing
	Temperature      float64 `yaml:"temperature"`
	MaxOutputTokens  int     `yaml:"max_output_tokens"`
	OneHopLimit      int     `yaml:"one_hop_limit"`
	TwoHopLimit      int     `yaml:"two_hop_limit"`
	SnippetLimit     int     `yaml:"snippet_limit"`
}

type ResearchConfig struct {
	FoundationalConcepts []string `yaml:"foundational_concepts"`
	DaysThreshold        int      `yaml:"days_threshold"`
	HarvestQuestions     bool     `yaml:"harvest_questions"`
	MaxFollowUps         int      `yaml:"max_follow_ups"`
	HistoryLimit         int      `yaml:"history_limit"`
}

type SchedulerConfig struct {
	Mode        string        `yaml:"mode"` // "continuous", "batched", "triggered", "supervised"
	BatchSize   int           `yaml:"batch_size"`
	Interval    time.Duration `yaml:"interval"`
	IdlePoll    time.Duration `yaml:"idle_poll"`
	TaskDelay   time.Duration `yaml:"task_delay"`
	TaskTimeout time.Duration `yaml:"task_timeout"` // 0 disables
	TriggerPath string        `yaml:"trigger_path"`
}

type QueueStorageConfig struct {
	Backend string   `yaml:"backend"` // "sqlite", "file", "s3"
	Dir     string   `yaml:"dir"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type ConversationConfig struct {
	Dir string `yaml:"dir"` // directory of *.jsonl conversation logs
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "json" or "console"
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		LLM: LLMConfig{
			Provider:        "claude-cli",
			Model:           "sonnet",
			OllamaURL:       "http://localhost:11434",
			OllamaModel:     "llama3.2",
			GeminiModel:     "gemini-2.5-flash",
			Temperature:     0.7,
			MaxOutputTokens: 4096,
		},
		Embedding: EmbeddingConfig{
			Provider:   "auto",
			Model:      "nomic-embed-text",
			OllamaURL:  "http://localhost:11434",
			Dimensions: 768,
			CacheSize:  1024,
		},
		Retrieval: RetrievalConfig{
			EntryPoints:        5,
			MaxDepth:           2,
			MaxPages:           15,
			RelevanceThreshold: 0.3,
			NoveltyThreshold:   0.3,
			LowNoveltyStreak:   3,
			DistanceThreshold:  0.5,
			MaxTokens:          2000,
		},
		Resynthesis: ResynthesisConfig{
			Validate:        true,
			Temperature:     0.7,
			MaxOutputTokens: 4096,
			OneHopLimit:     10,
			TwoHopLimit:     5,
			SnippetLimit:    3,
		},
		Research: ResearchConfig{
			DaysThreshold: 7,
			MaxFollowUps:  3,
			HistoryLimit:  500,
		},
		Scheduler: SchedulerConfig{
			Mode:      "supervised",
			BatchSize: 5,
			Interval:  time.Hour,
			IdlePoll:  30 * time.Second,
			TaskDelay: 2 * time.Second,
		},
		QueueStorage: QueueStorageConfig{
			Backend: "sqlite",
			S3: S3Config{
				Region: "us-east-1",
				Bucket: "grove-research",
				UseSSL: true,
			},
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DataDir returns the grove data directory: $GROVE_DATA_DIR or ~/.grove
func DataDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("GROVE_DATA_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".grove"), nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads .env, then the YAML file at path (a missing file is not an
// error), then applies environment overrides. An empty path uses
// DefaultPath.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.resolvePaths(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		c.LLM.AnthropicKey = key
		if c.LLM.Provider == "claude-cli" {
			c.LLM.Provider = "anthropic"
		}
	}
	if key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); key != "" {
		c.LLM.GeminiKey = key
	}
	if p := strings.TrimSpace(os.Getenv("GROVE_DB")); p != "" {
		c.Database.Path = p
	}
	if lvl := strings.TrimSpace(os.Getenv("GROVE_LOG_LEVEL")); lvl != "" {
		c.Logging.Level = lvl
	}
}

// resolvePaths fills data-dir relative defaults.
func (c *Config) resolvePaths() error {
	if c.Database.Path != "" && c.QueueStorage.Dir != "" {
		return nil
	}
	dir, err := DataDir()
	if err != nil {
		return err
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(dir, "grove.db")
	}
	if c.QueueStorage.Dir == "" {
		c.QueueStorage.Dir = filepath.Join(dir, "research")
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
