package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lazypower/grove/internal/llm"
	"github.com/lazypower/grove/internal/maturity"
	"github.com/lazypower/grove/internal/research"
	"github.com/lazypower/grove/internal/resynth"
	"github.com/lazypower/grove/internal/store"
	"github.com/lazypower/grove/internal/wikilink"
)

const sourceExcerptLen = 600

// Outcome is what executing one task produced.
type Outcome struct {
	Result research.Result
	// NewLinks are red links found in content the task wrote.
	NewLinks []string
	// Source is the page follow-up tasks are attributed to.
	Source string
}

// ExecuteTask runs t without touching its queue state. Red links create the
// missing page; deepening runs resynthesis; exploration creates or deepens
// its target; questions deepen their source page with the question as
// notes.
func (s *Scheduler) ExecuteTask(ctx context.Context, t *research.Task) (*Outcome, error) {
	switch t.Type {
	case research.TypeRedLink:
		return s.createPage(ctx, t, false)
	case research.TypeExploration:
		return s.createPage(ctx, t, true)
	case research.TypeDeepening:
		return s.deepen(ctx, t.Target, triggerOf(t.Context), t.Context)
	case research.TypeQuestion:
		if strings.TrimSpace(t.SourcePage) == "" {
			return nil, fmt.Errorf("question %q has no source page", t.Target)
		}
		return s.deepen(ctx, t.SourcePage, maturity.TriggerExplicitRequest, "question: "+t.Target)
	default:
		return nil, fmt.Errorf("unknown task type %q", t.Type)
	}
}

// createPage writes a first version of t.Target. An existing page is left
// alone, or deepened when deepenExisting is set.
func (s *Scheduler) createPage(ctx context.Context, t *research.Task, deepenExisting bool) (*Outcome, error) {
	existing, err := s.pages.Read(ctx, t.Target, "")
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if deepenExisting {
			return s.deepen(ctx, existing.Name, maturity.TriggerExplicitRequest, t.Context)
		}
		return &Outcome{Result: research.Result{
			Success: true,
			Summary: fmt.Sprintf("%s/%s already exists", existing.Type, existing.Name),
		}}, nil
	}
	if s.client == nil {
		return nil, llm.ErrUnavailable
	}

	sources, err := s.gatherSources(ctx, t)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(t.Context)
	if reason == "" {
		reason = "it is referenced but has no page yet"
	}
	resp, err := s.client.Generate(ctx, llm.Request{
		Prompt:          llm.PageGenerationPrompt(t.Target, string(s.opts.NewPageType), reason, sources),
		Temperature:     s.opts.Temperature,
		MaxOutputTokens: s.opts.MaxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", t.Target, err)
	}
	body := resynth.CleanOutput(resp.Text, t.Target)
	if body == "" {
		return nil, fmt.Errorf("generate %s: %w", t.Target, resynth.ErrEmptyOutput)
	}

	notes := reason
	if t.SourcePage != "" {
		notes = "red link from " + t.SourcePage
	}
	page, err := s.pages.CreateWithTrigger(ctx, t.Target, body, s.opts.NewPageType, maturity.TriggerInitialResearch, notes)
	if errors.Is(err, store.ErrAlreadyExists) {
		return &Outcome{Result: research.Result{Success: true, Summary: t.Target + " was created concurrently"}}, nil
	}
	if err != nil {
		return nil, err
	}

	links, err := s.missingLinks(ctx, page.Body, "")
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Result: research.Result{
			Success:      true,
			Summary:      fmt.Sprintf("created %s/%s", page.Type, page.Name),
			PagesCreated: []string{page.Name},
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		},
		NewLinks: links,
		Source:   page.Name,
	}, nil
}

func (s *Scheduler) deepen(ctx context.Context, name string, trigger maturity.Trigger, notes string) (*Outcome, error) {
	if s.pipeline == nil {
		return nil, llm.ErrUnavailable
	}
	res, err := s.pipeline.Run(ctx, name, "", trigger, notes)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("page %q does not exist", name)
	}
	links, err := s.missingLinks(ctx, res.Page.Body, res.Previous)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Result: research.Result{
			Success:      true,
			Summary:      fmt.Sprintf("deepened %s/%s to level %d", res.Page.Type, res.Page.Name, res.Page.Maturity.Level),
			PagesUpdated: []string{res.Page.Name},
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
		},
		NewLinks: links,
		Source:   res.Page.Name,
	}, nil
}

// missingLinks returns link targets of body that name no page and were not
// already linked from previous.
func (s *Scheduler) missingLinks(ctx context.Context, body, previous string) ([]string, error) {
	old := make(map[string]bool)
	for _, l := range wikilink.ExtractLinks(previous) {
		old[lower(l.Target)] = true
	}
	var out []string
	for _, target := range s.analyzer.RedLinkCandidates(body) {
		if old[lower(target)] {
			continue
		}
		p, err := s.pages.Read(ctx, target, "")
		if err != nil {
			return nil, err
		}
		if p == nil {
			out = append(out, target)
		}
	}
	return out, nil
}

// gatherSources collects source material for a new page: the page that
// linked to it, other pages linking to it, then the closest pages found by
// retrieval or substring search.
func (s *Scheduler) gatherSources(ctx context.Context, t *research.Task) ([]llm.ContextPage, error) {
	limit := s.opts.SourcePages + 1
	seen := make(map[string]bool)
	var out []llm.ContextPage
	add := func(p *store.Page) {
		if p == nil || len(out) >= limit || seen[lower(p.Name)] || strings.EqualFold(p.Name, t.Target) {
			return
		}
		seen[lower(p.Name)] = true
		out = append(out, llm.ContextPage{
			Name:    p.Name,
			Type:    string(p.Type),
			Excerpt: excerpt(wikilink.StripFrontMatter(p.Body), sourceExcerptLen),
		})
	}

	if t.SourcePage != "" {
		p, err := s.pages.Read(ctx, t.SourcePage, "")
		if err != nil {
			return nil, err
		}
		add(p)
	}
	back, err := s.pages.Backlinks(ctx, t.Target)
	if err != nil {
		return nil, err
	}
	for _, p := range back {
		add(p)
	}

	if s.retriever != nil {
		ranked, err := s.retriever.FindEntryPoints(ctx, t.Target, s.opts.SourcePages, "")
		if err != nil {
			s.log.Warn("source lookup failed", zap.String("target", t.Target), zap.Error(err))
		}
		for _, r := range ranked {
			add(r.Page)
		}
		return out, nil
	}
	found, err := s.pages.Search(ctx, t.Target, "")
	if err != nil {
		return nil, err
	}
	for _, p := range found {
		add(p)
	}
	return out, nil
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// enqueueFollowUps adds red-link tasks for links discovered by out, up to
// the follow-up cap, and returns their ids.
func (s *Scheduler) enqueueFollowUps(ctx context.Context, out *Outcome) []string {
	if len(out.NewLinks) == 0 || out.Source == "" {
		return nil
	}
	c, err := s.loadCorpus(ctx)
	if err != nil {
		s.log.Warn("follow-ups skipped", zap.Error(err))
		return nil
	}
	source := c.byKey[lower(out.Source)]
	if source == nil {
		return nil
	}
	var ids []string
	for _, target := range out.NewLinks {
		if len(ids) >= s.opts.MaxFollowUps {
			break
		}
		if c.exists(target) || s.queue.Exists(target, research.TypeRedLink) {
			continue
		}
		t, err := s.enqueue(ctx, s.redLinkCandidate(target, source, c, research.SourceAutoGenerated))
		if errors.Is(err, research.ErrDuplicateTask) {
			continue
		}
		if err != nil {
			s.log.Warn("follow-up not enqueued", zap.String("target", target), zap.Error(err))
			continue
		}
		ids = append(ids, t.ID)
	}
	return ids
}

// runTask executes an in-progress task and records its terminal state. A
// failed execution is recorded on the task, not returned. Queue writes
// survive cancellation of ctx so an interrupted task is still marked failed.
func (s *Scheduler) runTask(ctx context.Context, t *research.Task) (*research.Task, error) {
	log := s.log.With(zap.String("id", t.ID), zap.String("type", string(t.Type)), zap.String("target", t.Target))
	execCtx := ctx
	if s.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.opts.TaskTimeout)
		defer cancel()
	}
	persist := context.WithoutCancel(ctx)

	start := time.Now()
	out, err := s.ExecuteTask(execCtx, t)
	if err != nil {
		if cerr := execCtx.Err(); cerr != nil && !errors.Is(err, cerr) {
			err = fmt.Errorf("%w (%v)", err, cerr)
		}
		log.Warn("task failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return s.queue.Fail(persist, t.ID, err)
	}

	out.Result.FollowUps = s.enqueueFollowUps(persist, out)
	done, err := s.queue.Complete(persist, t.ID, out.Result)
	if err != nil {
		return nil, err
	}
	log.Info("task completed",
		zap.String("summary", out.Result.Summary),
		zap.Int("follow_ups", len(out.Result.FollowUps)),
		zap.Duration("elapsed", time.Since(start)))
	return done, nil
}

// RunSingleTask pops the highest-priority queued task and runs it. It
// returns nil, nil when nothing is queued.
func (s *Scheduler) RunSingleTask(ctx context.Context) (*research.Task, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := s.queue.PopNext(ctx)
	if err != nil || t == nil {
		return nil, err
	}
	return s.runTask(ctx, t)
}

// BatchReport summarizes a RunBatch call.
type BatchReport struct {
	Attempted int              `json:"attempted"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Tasks     []*research.Task `json:"tasks"`
	Harvest   *HarvestReport   `json:"harvest,omitempty"`
}

// HarvestAndRun refreshes the queue from the graph, then runs a batch as
// RunBatch does. The harvest report rides along in the batch report.
func (s *Scheduler) HarvestAndRun(ctx context.Context, maxTasks int) (*BatchReport, error) {
	h, err := s.Harvest(ctx)
	if err != nil {
		return nil, fmt.Errorf("harvest: %w", err)
	}
	rep, err := s.RunBatch(ctx, maxTasks)
	if rep != nil {
		rep.Harvest = h
	}
	return rep, err
}

// RunBatch clears finished tasks from the live queue, snapshots the queued
// tasks in priority order and runs up to maxTasks of them (all when
// maxTasks <= 0), pausing TaskDelay between tasks. Cancellation is checked
// before each task; a task already running finishes or fails on its own.
func (s *Scheduler) RunBatch(ctx context.Context, maxTasks int) (*BatchReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if _, err := s.queue.ClearCompleted(ctx); err != nil {
		return nil, err
	}
	queued := s.queue.GetQueued()
	if maxTasks > 0 && len(queued) > maxTasks {
		queued = queued[:maxTasks]
	}

	rep := &BatchReport{}
	for _, q := range queued {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if rep.Attempted > 0 && s.opts.TaskDelay > 0 {
			if err := sleep(ctx, s.opts.TaskDelay); err != nil {
				return rep, err
			}
		}
		t, err := s.queue.Start(ctx, q.ID)
		if errors.Is(err, research.ErrNotFound) || errors.Is(err, research.ErrInvalidTransition) || errors.Is(err, research.ErrTerminal) {
			s.log.Debug("task left the queue before its turn", zap.String("id", q.ID))
			continue
		}
		if err != nil {
			return rep, err
		}
		done, err := s.runTask(ctx, t)
		if err != nil {
			return rep, err
		}
		rep.Attempted++
		if done.Status == research.StatusCompleted {
			rep.Succeeded++
		} else {
			rep.Failed++
		}
		rep.Tasks = append(rep.Tasks, done)
	}
	return rep, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
