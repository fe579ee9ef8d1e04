// Package scheduler harvests research work from the page graph into the
// research queue and executes it one task at a time under a scheduling mode.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/grove/internal/analyzer"
	"github.com/lazypower/grove/internal/config"
	"github.com/lazypower/grove/internal/llm"
	"github.com/lazypower/grove/internal/maturity"
	"github.com/lazypower/grove/internal/research"
	"github.com/lazypower/grove/internal/resynth"
	"github.com/lazypower/grove/internal/retrieval"
	"github.com/lazypower/grove/internal/store"
)

// Mode decides when the scheduler executes tasks on its own.
type Mode string

const (
	// ModeContinuous runs a task whenever the scheduler is idle.
	ModeContinuous Mode = "continuous"
	// ModeBatched runs a batch on every interval tick.
	ModeBatched Mode = "batched"
	// ModeTriggered runs a batch when Trigger is called.
	ModeTriggered Mode = "triggered"
	// ModeSupervised only harvests. Tasks wait for approval and run on
	// operator request.
	ModeSupervised Mode = "supervised"
)

// Modes lists every scheduling mode.
var Modes = []Mode{ModeContinuous, ModeBatched, ModeTriggered, ModeSupervised}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == strings.ToLower(strings.TrimSpace(s)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown scheduling mode %q", s)
}

// Options tunes a scheduler.
type Options struct {
	Mode             Mode
	BatchSize        int
	Interval         time.Duration // batched and supervised harvest period
	IdlePoll         time.Duration // continuous mode wait when the queue is empty
	TaskDelay        time.Duration // pause between tasks of one batch
	TaskTimeout      time.Duration // 0 disables
	MaxFollowUps     int
	HarvestQuestions bool
	QuestionsPerPage int
	SourcePages      int // pages consulted when writing a new page
	NewPageType      store.PageType
	Temperature      float64
	MaxOutputTokens  int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Mode:             ModeSupervised,
		BatchSize:        5,
		Interval:         time.Hour,
		IdlePoll:         30 * time.Second,
		TaskDelay:        2 * time.Second,
		MaxFollowUps:     3,
		QuestionsPerPage: 3,
		SourcePages:      5,
		NewPageType:      store.TypeConcept,
		Temperature:      0.7,
		MaxOutputTokens:  4096,
	}
}

// OptionsFrom builds scheduler options from configuration.
func OptionsFrom(cfg config.Config) (Options, error) {
	o := DefaultOptions()
	if cfg.Scheduler.Mode != "" {
		m, err := ParseMode(cfg.Scheduler.Mode)
		if err != nil {
			return o, err
		}
		o.Mode = m
	}
	o.BatchSize = cfg.Scheduler.BatchSize
	o.Interval = cfg.Scheduler.Interval
	o.IdlePoll = cfg.Scheduler.IdlePoll
	o.TaskDelay = cfg.Scheduler.TaskDelay
	o.TaskTimeout = cfg.Scheduler.TaskTimeout
	o.MaxFollowUps = cfg.Research.MaxFollowUps
	o.HarvestQuestions = cfg.Research.HarvestQuestions
	o.Temperature = cfg.LLM.Temperature
	o.MaxOutputTokens = cfg.LLM.MaxOutputTokens
	return o.withDefaults(), nil
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Mode == "" {
		o.Mode = d.Mode
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.IdlePoll <= 0 {
		o.IdlePoll = d.IdlePoll
	}
	if o.TaskDelay < 0 {
		o.TaskDelay = 0
	}
	if o.TaskTimeout < 0 {
		o.TaskTimeout = 0
	}
	if o.MaxFollowUps <= 0 {
		o.MaxFollowUps = d.MaxFollowUps
	}
	if o.QuestionsPerPage <= 0 {
		o.QuestionsPerPage = d.QuestionsPerPage
	}
	if o.SourcePages <= 0 {
		o.SourcePages = d.SourcePages
	}
	if o.NewPageType == "" {
		o.NewPageType = d.NewPageType
	}
	if o.MaxOutputTokens <= 0 {
		o.MaxOutputTokens = d.MaxOutputTokens
	}
	return o
}

// Deps are the collaborators a scheduler drives. Retriever and Analyzer
// are optional.
type Deps struct {
	Pages     *store.PageStore
	Queue     *research.Queue
	Pipeline  *resynth.Pipeline
	Client    llm.Client
	Detector  *maturity.Detector
	Retriever *retrieval.Engine
	Analyzer  analyzer.Analyzer
}

// Scheduler harvests and executes research tasks. Execution is strictly
// sequential: one task runs at a time across Run, RunBatch and
// RunSingleTask.
type Scheduler struct {
	pages     *store.PageStore
	queue     *research.Queue
	pipeline  *resynth.Pipeline
	client    llm.Client
	detector  *maturity.Detector
	retriever *retrieval.Engine
	analyzer  analyzer.Analyzer
	opts      Options
	log       *zap.Logger

	// Now is the clock used for recency factors.
	Now func() time.Time

	runMu   sync.Mutex
	trigger chan struct{}
}

// New wires a scheduler.
func New(d Deps, opts Options, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if d.Analyzer == nil {
		d.Analyzer = analyzer.New()
	}
	if d.Detector == nil {
		d.Detector = maturity.NewDetector(nil, maturity.DefaultDaysThreshold)
	}
	return &Scheduler{
		pages:     d.Pages,
		queue:     d.Queue,
		pipeline:  d.Pipeline,
		client:    d.Client,
		detector:  d.Detector,
		retriever: d.Retriever,
		analyzer:  d.Analyzer,
		opts:      opts.withDefaults(),
		log:       log.Named("scheduler"),
		Now:       time.Now,
		trigger:   make(chan struct{}, 1),
	}
}

// Mode returns the configured scheduling mode.
func (s *Scheduler) Mode() Mode { return s.opts.Mode }

// Queue returns the research queue the scheduler feeds.
func (s *Scheduler) Queue() *research.Queue { return s.queue }

// Trigger asks a triggered-mode loop to run a batch. Calls while a request
// is already pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// initialStatus is the status new tasks enter the queue with.
func (s *Scheduler) initialStatus() research.Status {
	if s.opts.Mode == ModeSupervised {
		return research.StatusAwaitingApproval
	}
	return research.StatusQueued
}

// Approve releases a task held for approval.
func (s *Scheduler) Approve(ctx context.Context, id string) (*research.Task, error) {
	t, err := s.queue.Approve(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("task approved", zap.String("id", id), zap.String("target", t.Target))
	return t, nil
}

// RunApproved executes every queued task, which in supervised mode are the
// approved ones, in priority order.
func (s *Scheduler) RunApproved(ctx context.Context) (*BatchReport, error) {
	return s.RunBatch(ctx, 0)
}
