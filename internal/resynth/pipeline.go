// Package resynth deepens a single page: it gathers graph context, analyzes
// growth since the last synthesis, asks the text generator for a rewrite,
// optionally validates it, and commits it through the page store.
package resynth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/grove/internal/config"
	"github.com/lazypower/grove/internal/conversation"
	"github.com/lazypower/grove/internal/llm"
	"github.com/lazypower/grove/internal/maturity"
	"github.com/lazypower/grove/internal/store"
)

var (
	// ErrValidationFailed is returned when the validator rejects a rewrite.
	ErrValidationFailed = errors.New("resynthesis rejected by validation")
	// ErrEmptyOutput is returned when the generator produced no usable page.
	ErrEmptyOutput = errors.New("text generation returned no content")
)

// Stage names a step of the pipeline.
type Stage string

const (
	StageGather   Stage = "gather-context"
	StageAnalyze  Stage = "analyze-growth"
	StageGenerate Stage = "generate-synthesis"
	StageValidate Stage = "validate"
	StageCommit   Stage = "commit"
)

// StageError records which stage aborted a run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return string(e.Stage) + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

func fail(stage Stage, err error) error { return &StageError{Stage: stage, Err: err} }

// Options tunes a pipeline.
type Options struct {
	Validate         bool
	StrictValidation bool
	Temperature      float64
	MaxOutputTokens  int
	OneHopLimit      int
	TwoHopLimit      int
	SnippetLimit     int
}

// OptionsFrom builds pipeline options from configuration.
func OptionsFrom(cfg config.ResynthesisConfig) Options {
	return Options{
		Validate:         cfg.Validate,
		StrictValidation: cfg.StrictValidation,
		Temperature:      cfg.Temperature,
		MaxOutputTokens:  cfg.MaxOutputTokens,
		OneHopLimit:      cfg.OneHopLimit,
		TwoHopLimit:      cfg.TwoHopLimit,
		SnippetLimit:     cfg.SnippetLimit,
	}
}

func (o Options) withDefaults() Options {
	if o.OneHopLimit <= 0 {
		o.OneHopLimit = 10
	}
	if o.TwoHopLimit < 0 {
		o.TwoHopLimit = 0
	}
	if o.SnippetLimit < 0 {
		o.SnippetLimit = 0
	}
	return o
}

// Pipeline runs resynthesis passes. Runs against different pages may
// proceed concurrently; the page store serializes the commits.
type Pipeline struct {
	pages    *store.PageStore
	client   llm.Client
	detector *maturity.Detector
	sources  []conversation.Searcher
	opts     Options
	log      *zap.Logger
}

// New creates a pipeline. detector may be nil; sources supply free-text
// snippets and may be empty.
func New(pages *store.PageStore, client llm.Client, detector *maturity.Detector, opts Options, log *zap.Logger, sources ...conversation.Searcher) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		pages:    pages,
		client:   client,
		detector: detector,
		sources:  sources,
		opts:     opts.withDefaults(),
		log:      log,
	}
}

// Result describes a committed resynthesis.
type Result struct {
	Page         *store.Page
	Previous     string
	Growth       Growth
	Judgment     *Judgment // nil when validation was skipped or failed open
	InputTokens  int
	OutputTokens int
}

// Run deepens the page (name, typ). typ may be empty to search all
// partitions. It returns nil, nil when the page does not exist. Any failure
// before Commit leaves the page untouched.
func (p *Pipeline) Run(ctx context.Context, name string, typ store.PageType, trigger maturity.Trigger, notes string) (*Result, error) {
	if p.client == nil {
		return nil, fail(StageGenerate, llm.ErrUnavailable)
	}
	page, err := p.pages.Read(ctx, name, typ)
	if err != nil {
		return nil, fail(StageGather, err)
	}
	if page == nil {
		return nil, nil
	}
	log := p.log.With(zap.String("page", page.Name), zap.String("trigger", string(trigger)))

	gathered, err := p.GatherContext(ctx, page)
	if err != nil {
		return nil, fail(StageGather, err)
	}

	growth := p.AnalyzeGrowth(page, gathered)
	log.Debug("growth analyzed",
		zap.Int("added", growth.Added),
		zap.Int("connected", len(gathered.Connected)),
		zap.Int("extended", len(gathered.Extended)),
		zap.Int("snippets", len(gathered.Snippets)))

	res := &Result{Previous: page.Body, Growth: growth}
	content, err := p.GenerateSynthesis(ctx, page, gathered, growth, res)
	if err != nil {
		return nil, fail(StageGenerate, err)
	}

	if p.opts.Validate {
		j, err := p.Validate(ctx, page, content, res)
		switch {
		case errors.Is(err, ErrValidationFailed):
			log.Info("rewrite rejected", zap.String("reason", j.Reason))
			return nil, fail(StageValidate, err)
		case err != nil && p.opts.StrictValidation:
			return nil, fail(StageValidate, err)
		case err != nil:
			log.Warn("validation unavailable, accepting rewrite", zap.Error(err))
		default:
			res.Judgment = j
		}
	}

	eventNotes := growth.Summary
	if strings.TrimSpace(notes) != "" {
		eventNotes = strings.TrimSpace(notes) + "; " + growth.Summary
	}
	updated, err := p.pages.RecordDeepening(ctx, page.Name, content, page.Type, trigger, eventNotes)
	if err != nil {
		return nil, fail(StageCommit, err)
	}
	if updated == nil {
		return nil, fail(StageCommit, fmt.Errorf("page %s/%s disappeared", page.Type, page.Name))
	}
	if p.detector != nil {
		p.detector.MarkDeepened(updated.Name)
	}
	res.Page = updated
	log.Info("page deepened",
		zap.Int("level", updated.Maturity.Level),
		zap.Float64("depth_score", updated.Maturity.DepthScore))
	return res, nil
}
