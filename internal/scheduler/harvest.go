package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/lazypower/grove/internal/maturity"
	"github.com/lazypower/grove/internal/research"
	"github.com/lazypower/grove/internal/store"
)

// Curiosity baselines per task type.
var curiosity = map[research.TaskType]float64{
	research.TypeRedLink:     0.7,
	research.TypeDeepening:   0.5,
	research.TypeExploration: 0.6,
	research.TypeQuestion:    0.8,
}

const (
	mentionCeiling     = 5
	recencyWindowDays  = 30
	recentContextSpan  = 24 * time.Hour
	connectionsCeiling = 20
)

// HarvestReport counts what one harvest enqueued.
type HarvestReport struct {
	RedLinks  int              `json:"red_links"`
	Deepening int              `json:"deepening"`
	Questions int              `json:"questions"`
	Tasks     []*research.Task `json:"tasks"`
}

// Total is the number of tasks enqueued.
func (r *HarvestReport) Total() int { return r.RedLinks + r.Deepening + r.Questions }

// corpus is a read-only view of every page used while scoring candidates.
type corpus struct {
	pages  []*store.Page
	byKey  map[string]*store.Page
	bodies []string // lowercased name + body per page
	mean   float64
	stddev float64
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (s *Scheduler) loadCorpus(ctx context.Context) (*corpus, error) {
	pages, err := s.pages.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	c := &corpus{pages: pages, byKey: make(map[string]*store.Page, len(pages))}
	totals := make([]float64, 0, len(pages))
	for _, p := range pages {
		c.byKey[lower(p.Name)] = p
		c.bodies = append(c.bodies, strings.ToLower(p.Name+"\n"+p.Body))
		totals = append(totals, float64(p.Maturity.Connections.Total()))
	}
	if len(totals) > 0 {
		c.mean, _ = stats.Mean(totals)
		c.stddev, _ = stats.StandardDeviation(totals)
	}
	return c, nil
}

func (c *corpus) exists(name string) bool { return c.byKey[lower(name)] != nil }

// mentions counts the pages whose text contains target.
func (c *corpus) mentions(target string) int {
	needle := lower(target)
	if needle == "" {
		return 0
	}
	n := 0
	for _, b := range c.bodies {
		if strings.Contains(b, needle) {
			n++
		}
	}
	return n
}

// balance favors pages that are less connected than the graph average.
func (c *corpus) balance(p *store.Page) float64 {
	if p == nil {
		return 0.5
	}
	if c.stddev == 0 || math.IsNaN(c.stddev) {
		return 0.5
	}
	total := float64(p.Maturity.Connections.Total())
	return clamp01(0.5 + (c.mean-total)/(4*c.stddev))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func (s *Scheduler) recency(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	days := s.Now().Sub(t).Hours() / 24
	return clamp01(1 - days/recencyWindowDays)
}

func (s *Scheduler) recent(t time.Time) bool {
	return !t.IsZero() && s.Now().Sub(t) <= recentContextSpan
}

func userRelevance(p *store.Page) float64 {
	if p == nil {
		return 0.3
	}
	switch p.Type {
	case store.TypeJournal:
		return 0.8
	case store.TypeEntity:
		return 0.5
	default:
		return 0.3
	}
}

// foundationRelevance estimates how close target sits to the foundational
// concept list.
func (s *Scheduler) foundationRelevance(target string, source *store.Page) float64 {
	if s.detector.IsFoundational(target) {
		return 1
	}
	if source != nil && s.detector.IsFoundational(source.Name) {
		return 0.7
	}
	words := strings.Fields(lower(target))
	for _, f := range s.detector.Foundational() {
		for _, w := range words {
			if len(w) >= 4 && strings.Contains(f, w) {
				return 0.4
			}
		}
	}
	return 0
}

type candidate struct {
	task  *research.Task
	flags research.PriorityFlags
}

func (s *Scheduler) enqueue(ctx context.Context, c candidate) (*research.Task, error) {
	t := c.task
	t.Priority = research.CalculateTaskPriority(t.Type, t.Rationale, c.flags)
	if t.Status == "" {
		t.Status = s.initialStatus()
	}
	if t.SourceType == "" {
		t.SourceType = research.SourceHarvest
	}
	return s.queue.Add(ctx, t)
}

// redLinkCandidate scores a missing page target discovered on source.
func (s *Scheduler) redLinkCandidate(target string, source *store.Page, c *corpus, origin research.SourceType) candidate {
	mentions := c.mentions(target)
	r := research.Rationale{
		Curiosity:           curiosity[research.TypeRedLink],
		ConnectionPotential: math.Min(float64(mentions)/mentionCeiling, 1),
		FoundationRelevance: s.foundationRelevance(target, source),
		UserRelevance:       userRelevance(source),
		Recency:             s.recency(source.ModifiedAt),
		GraphBalance:        c.balance(source),
	}
	if origin == research.SourceAutoGenerated {
		r.SelfDirectedCuriosity = 0.5
	}
	return candidate{
		task: &research.Task{
			Type:       research.TypeRedLink,
			Target:     target,
			Context:    fmt.Sprintf("linked from [[%s]], mentioned by %d page(s)", source.Name, mentions),
			Rationale:  r,
			SourcePage: source.Name,
			SourceType: origin,
		},
		flags: research.PriorityFlags{
			SourceConnections: source.Maturity.Connections.Total(),
			UnblocksOthers:    mentions >= 2,
			RecentContext:     s.recent(source.ModifiedAt),
		},
	}
}

// HarvestRedLinks enqueues a red-link task for every link target that names
// no existing page and has no open task. The first page found linking to a
// target becomes its source page.
func (s *Scheduler) HarvestRedLinks(ctx context.Context) ([]*research.Task, error) {
	c, err := s.loadCorpus(ctx)
	if err != nil {
		return nil, err
	}
	var out []*research.Task
	seen := make(map[string]bool)
	for _, p := range c.pages {
		for _, target := range s.analyzer.RedLinkCandidates(p.Body) {
			key := lower(target)
			if c.exists(target) || seen[key] {
				continue
			}
			seen[key] = true
			if s.queue.Exists(target, research.TypeRedLink) {
				continue
			}
			t, err := s.enqueue(ctx, s.redLinkCandidate(target, p, c, research.SourceHarvest))
			if errors.Is(err, research.ErrDuplicateTask) {
				continue
			}
			if err != nil {
				return out, fmt.Errorf("enqueue red link %q: %w", target, err)
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// HarvestDeepening enqueues a deepening task for every candidate the
// detector reports. The trigger travels in the task context. A foundational
// shift stays pending for neighbors that could not be enqueued this time.
func (s *Scheduler) HarvestDeepening(ctx context.Context) ([]*research.Task, error) {
	cands, err := s.detector.Candidates(ctx, s.pages)
	if err != nil {
		return nil, fmt.Errorf("detect candidates: %w", err)
	}
	if len(cands) == 0 {
		return nil, nil
	}
	c, err := s.loadCorpus(ctx)
	if err != nil {
		return nil, err
	}
	var out []*research.Task
	for _, cand := range cands {
		if s.queue.Exists(cand.Name, research.TypeDeepening) {
			continue
		}
		page := c.byKey[lower(cand.Name)]
		if page == nil {
			continue
		}
		conns := cand.State.Connections
		foundation := s.foundationRelevance(cand.Name, nil)
		if cand.Trigger == maturity.TriggerFoundationalShift {
			foundation = math.Max(foundation, 0.7)
		}
		r := research.Rationale{
			Curiosity:           curiosity[research.TypeDeepening],
			ConnectionPotential: math.Min(float64(conns.Total())/connectionsCeiling, 1),
			FoundationRelevance: foundation,
			UserRelevance:       userRelevance(page),
			Recency:             s.recency(page.ModifiedAt),
			GraphBalance:        c.balance(page),
			GrowthRelevance:     math.Min(float64(conns.AddedSinceLastSynthesis)/maturity.ConnectionThreshold, 1),
		}
		t, err := s.enqueue(ctx, candidate{
			task: &research.Task{
				Type:       research.TypeDeepening,
				Target:     page.Name,
				Context:    deepeningContext(cand.Trigger, cand.Reason),
				Rationale:  r,
				SourcePage: page.Name,
			},
			flags: research.PriorityFlags{
				SourceConnections: conns.Total(),
				RecentContext:     s.recent(page.ModifiedAt),
			},
		})
		if errors.Is(err, research.ErrDuplicateTask) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("enqueue deepening %q: %w", page.Name, err)
		}
		if cand.Shift != "" {
			s.detector.ShiftHandled(cand.Shift, cand.Name)
		}
		out = append(out, t)
	}
	return out, nil
}

func deepeningContext(t maturity.Trigger, reason string) string {
	return string(t) + ": " + reason
}

// triggerOf recovers the synthesis trigger from a deepening task context.
// Tasks without one were requested explicitly.
func triggerOf(taskContext string) maturity.Trigger {
	head, _, ok := strings.Cut(taskContext, ":")
	if !ok {
		return maturity.TriggerExplicitRequest
	}
	t, err := maturity.ParseTrigger(strings.TrimSpace(head))
	if err != nil {
		return maturity.TriggerExplicitRequest
	}
	return t
}

// HarvestQuestions enqueues question tasks for open questions found in page
// bodies. It does nothing unless question harvesting is enabled.
func (s *Scheduler) HarvestQuestions(ctx context.Context) ([]*research.Task, error) {
	if !s.opts.HarvestQuestions {
		return nil, nil
	}
	c, err := s.loadCorpus(ctx)
	if err != nil {
		return nil, err
	}
	var out []*research.Task
	for _, p := range c.pages {
		if p.Type == store.TypeMeta {
			continue
		}
		qs := s.analyzer.Questions(p.Body)
		if len(qs) > s.opts.QuestionsPerPage {
			qs = qs[:s.opts.QuestionsPerPage]
		}
		for _, q := range qs {
			if s.queue.Exists(q, research.TypeQuestion) {
				continue
			}
			r := research.Rationale{
				Curiosity:           curiosity[research.TypeQuestion],
				ConnectionPotential: math.Min(float64(p.Maturity.Connections.Total())/connectionsCeiling, 1),
				FoundationRelevance: s.foundationRelevance(p.Name, nil),
				UserRelevance:       userRelevance(p),
				Recency:             s.recency(p.ModifiedAt),
				GraphBalance:        c.balance(p),
			}
			if p.Type == store.TypeJournal {
				r.ObservationValidation = 0.5
			}
			t, err := s.enqueue(ctx, candidate{
				task: &research.Task{
					Type:       research.TypeQuestion,
					Target:     q,
					Context:    fmt.Sprintf("open question on [[%s]]", p.Name),
					Rationale:  r,
					SourcePage: p.Name,
				},
				flags: research.PriorityFlags{
					SourceConnections: p.Maturity.Connections.Total(),
					RecentContext:     s.recent(p.ModifiedAt),
				},
			})
			if errors.Is(err, research.ErrDuplicateTask) {
				continue
			}
			if err != nil {
				return out, fmt.Errorf("enqueue question: %w", err)
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// Harvest runs every enabled harvester. It is idempotent: a second call
// without graph changes enqueues nothing.
func (s *Scheduler) Harvest(ctx context.Context) (*HarvestReport, error) {
	rep := &HarvestReport{}
	red, err := s.HarvestRedLinks(ctx)
	rep.RedLinks = len(red)
	rep.Tasks = append(rep.Tasks, red...)
	if err != nil {
		return rep, err
	}
	deep, err := s.HarvestDeepening(ctx)
	rep.Deepening = len(deep)
	rep.Tasks = append(rep.Tasks, deep...)
	if err != nil {
		return rep, err
	}
	qs, err := s.HarvestQuestions(ctx)
	rep.Questions = len(qs)
	rep.Tasks = append(rep.Tasks, qs...)
	if err != nil {
		return rep, err
	}
	if rep.Total() > 0 {
		s.log.Info("harvest complete",
			zap.Int("red_links", rep.RedLinks),
			zap.Int("deepening", rep.Deepening),
			zap.Int("questions", rep.Questions))
	}
	return rep, nil
}
