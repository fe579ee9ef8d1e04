package cli

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/grove/internal/config"
	"github.com/lazypower/grove/internal/conversation"
	"github.com/lazypower/grove/internal/embedding"
	"github.com/lazypower/grove/internal/llm"
	"github.com/lazypower/grove/internal/logging"
	"github.com/lazypower/grove/internal/maturity"
	"github.com/lazypower/grove/internal/research"
	"github.com/lazypower/grove/internal/resynth"
	"github.com/lazypower/grove/internal/retrieval"
	"github.com/lazypower/grove/internal/scheduler"
	"github.com/lazypower/grove/internal/store"
)

// app is the wired component graph shared by serve and the local commands.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	db       *store.DB
	pages    *store.PageStore
	queue    *research.Queue
	client   llm.Client // nil when no provider is configured
	index    *embedding.Index
	engine   *retrieval.Engine
	pipeline *resynth.Pipeline
	sched    *scheduler.Scheduler
}

// openApp loads configuration, applies overrides, and builds every
// component. The caller must Close the result.
func openApp(ctx context.Context, overrides ...func(*config.Config)) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for _, o := range overrides {
		o(&cfg)
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{cfg: cfg, log: log, db: db}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	a.pages = store.NewPageStore(a.db, a.log.Named("store"))

	storage, err := queueStorage(cfg.QueueStorage, a.db)
	if err != nil {
		return err
	}
	a.queue, err = research.OpenQueue(ctx, storage, cfg.Research.HistoryLimit, a.log.Named("queue"))
	if err != nil {
		return fmt.Errorf("open research queue: %w", err)
	}

	client, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		a.log.Warn("text generation disabled", zap.Error(err))
	} else {
		a.client = client
	}

	if err := a.wireRetrieval(ctx); err != nil {
		return err
	}

	detector := maturity.NewDetector(cfg.Research.FoundationalConcepts, cfg.Research.DaysThreshold)
	sources := []conversation.Searcher{conversation.NewJournalSource(a.pages)}
	if dir := strings.TrimSpace(cfg.Conversation.Dir); dir != "" {
		sources = append(sources, conversation.NewLogSource(dir, a.log.Named("conversation")))
	}
	a.pipeline = resynth.New(a.pages, a.client, detector, resynth.OptionsFrom(cfg.Resynthesis), a.log.Named("resynth"), sources...)

	opts, err := scheduler.OptionsFrom(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(scheduler.Deps{
		Pages:     a.pages,
		Queue:     a.queue,
		Pipeline:  a.pipeline,
		Client:    a.client,
		Detector:  detector,
		Retriever: a.engine,
	}, opts, a.log.Named("scheduler"))
	return nil
}

func (a *app) wireRetrieval(ctx context.Context) error {
	pages, err := a.pages.List(ctx, "")
	if err != nil {
		return err
	}
	corpus := make([]string, 0, len(pages))
	for _, p := range pages {
		corpus = append(corpus, embedding.PageText(p))
	}
	emb, err := embedding.FromConfig(ctx, a.cfg.Embedding, a.cfg.LLM.GeminiKey, corpus, a.log.Named("embedding"))
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	if emb != nil {
		a.index = embedding.NewIndex(a.pages, emb, a.log.Named("index"))
	}
	a.engine, err = retrieval.New(a.pages, a.index, a.cfg.Retrieval, a.cfg.Embedding.CacheSize, a.log.Named("retrieval"))
	return err
}

// queueStorage selects the research queue backend.
func queueStorage(cfg config.QueueStorageConfig, db *store.DB) (research.Storage, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "sqlite":
		return store.NewQueueStorage(db), nil
	case "file":
		return research.NewFileStorage(cfg.Dir)
	case "s3":
		return research.NewS3Storage(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown queue storage backend %q", cfg.Backend)
	}
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	a.log.Sync()
}
