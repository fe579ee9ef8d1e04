package research

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultHistoryLimit caps the archived history.
const DefaultHistoryLimit = 500

// Queue is the live task queue plus archived history and proposals. Every
// mutation is persisted through Storage before it returns. Safe for
// concurrent use.
type Queue struct {
	storage      Storage
	historyLimit int
	log          *zap.Logger

	// Now is the clock used for timestamps.
	Now func() time.Time

	mu        sync.Mutex
	tasks     []*Task // insertion order
	history   []*Task // oldest first
	proposals []*Proposal
}

// OpenQueue loads a queue from storage. Tasks found in progress were
// interrupted by a shutdown and are failed and archived.
func OpenQueue(ctx context.Context, storage Storage, historyLimit int, log *zap.Logger) (*Queue, error) {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{storage: storage, historyLimit: historyLimit, log: log, Now: time.Now}

	var err error
	if q.tasks, err = storage.LoadQueue(ctx); err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if q.history, err = storage.LoadHistory(ctx); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if q.proposals, err = storage.LoadProposals(ctx); err != nil {
		return nil, fmt.Errorf("load proposals: %w", err)
	}

	interrupted := 0
	for _, t := range q.tasks {
		if t.Status == StatusInProgress {
			q.finish(t, Result{Error: "interrupted before completion"})
			interrupted++
		}
	}
	if interrupted > 0 {
		log.Warn("failed interrupted research tasks", zap.Int("count", interrupted))
		if err := q.saveAll(ctx); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (q *Queue) now() time.Time { return q.Now().UTC() }

func (q *Queue) saveTasks(ctx context.Context) error {
	if err := q.storage.SaveQueue(ctx, q.tasks); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

func (q *Queue) saveHistory(ctx context.Context) error {
	if err := q.storage.SaveHistory(ctx, q.history); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

func (q *Queue) saveProposals(ctx context.Context) error {
	if err := q.storage.SaveProposals(ctx, q.proposals); err != nil {
		return fmt.Errorf("save proposals: %w", err)
	}
	return nil
}

func (q *Queue) saveAll(ctx context.Context) error {
	if err := q.saveTasks(ctx); err != nil {
		return err
	}
	if err := q.saveHistory(ctx); err != nil {
		return err
	}
	return q.saveProposals(ctx)
}

// state is a copy of everything a mutation can touch.
type state struct {
	tasks, history []*Task
	proposals      []*Proposal
}

// snapshot copies the live state so a mutation whose save fails can be
// undone. Callers hold mu.
func (q *Queue) snapshot() state {
	ps := make([]*Proposal, len(q.proposals))
	for i, p := range q.proposals {
		ps[i] = p.clone()
	}
	return state{
		tasks:     cloneAll(q.tasks),
		history:   append([]*Task(nil), q.history...),
		proposals: ps,
	}
}

func (q *Queue) restore(s state) {
	q.tasks, q.history, q.proposals = s.tasks, s.history, s.proposals
}

// commit persists a mutation already applied in memory. On failure the
// state captured in before is restored.
func (q *Queue) commit(ctx context.Context, before state, save func(context.Context) error) error {
	if err := save(ctx); err != nil {
		q.restore(before)
		return err
	}
	return nil
}

func sameTarget(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func (q *Queue) find(id string) *Task {
	for _, t := range q.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (q *Queue) exists(target string, typ TaskType) bool {
	for _, t := range q.tasks {
		if t.Type == typ && !t.Status.Terminal() && sameTarget(t.Target, target) {
			return true
		}
	}
	return false
}

// Add enqueues t, assigning an id, status and creation time when unset.
// A non-terminal task with the same (target, type) yields ErrDuplicateTask.
func (q *Queue) Add(ctx context.Context, t *Task) (*Task, error) {
	if _, err := ParseTaskType(string(t.Type)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(t.Target) == "" {
		return nil, fmt.Errorf("task target is empty")
	}
	c := t.clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	switch c.Status {
	case "":
		c.Status = StatusQueued
	case StatusQueued, StatusAwaitingApproval:
	default:
		return nil, fmt.Errorf("%w: cannot add task as %s", ErrInvalidTransition, c.Status)
	}
	if c.SourceType == "" {
		c.SourceType = SourceUser
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = q.now()
	}
	c.Priority = clamp01(c.Priority)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.exists(c.Target, c.Type) {
		return nil, fmt.Errorf("%w: %s %q", ErrDuplicateTask, c.Type, c.Target)
	}
	if q.find(c.ID) != nil {
		return nil, fmt.Errorf("%w: id %s", ErrDuplicateTask, c.ID)
	}
	before := q.snapshot()
	q.tasks = append(q.tasks, c)
	if err := q.commit(ctx, before, q.saveTasks); err != nil {
		return nil, err
	}
	return c.clone(), nil
}

// Get returns a copy of a live task, or nil.
func (q *Queue) Get(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t := q.find(id); t != nil {
		return t.clone()
	}
	return nil
}

// Update applies edit to a live task. Identity fields (id, type, target)
// cannot change and status changes must follow the lifecycle.
func (q *Queue) Update(ctx context.Context, id string, edit func(t *Task)) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.find(id)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s: %w", id, ErrTerminal)
	}
	c := t.clone()
	edit(c)
	if c.ID != t.ID || c.Type != t.Type || !sameTarget(c.Target, t.Target) {
		return nil, fmt.Errorf("task %s: identity fields are immutable", id)
	}
	if c.Status != t.Status && !CanTransition(t.Status, c.Status) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.Status, c.Status)
	}
	c.Priority = clamp01(c.Priority)
	before := q.snapshot()
	*t = *c
	save := q.saveTasks
	if t.Status.Terminal() {
		q.archive(t)
		q.settleProposal(t)
		save = q.saveAll
	}
	if err := q.commit(ctx, before, save); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// Remove drops a task from the live queue. History is untouched.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tasks {
		if t.ID == id {
			before := q.snapshot()
			q.tasks = append(q.tasks[:i:i], q.tasks[i+1:]...)
			if err := q.commit(ctx, before, q.saveTasks); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// List returns every live task in insertion order.
func (q *Queue) List() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.tasks)
}

func cloneAll(tasks []*Task) []*Task {
	out := make([]*Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.clone()
	}
	return out
}

func (q *Queue) queued(typ TaskType) []*Task {
	var out []*Task
	for _, t := range q.tasks {
		if t.Status == StatusQueued && (typ == "" || t.Type == typ) {
			out = append(out, t)
		}
	}
	// ties keep insertion order
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// GetQueued returns queued tasks, highest priority first.
func (q *Queue) GetQueued() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.queued(""))
}

// AwaitingApproval returns tasks held for operator approval, highest
// priority first.
func (q *Queue) AwaitingApproval() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Task
	for _, t := range q.tasks {
		if t.Status == StatusAwaitingApproval {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return cloneAll(out)
}

// PopNext moves the highest-priority queued task to in-progress and returns
// it, or nil when nothing is queued.
func (q *Queue) PopNext(ctx context.Context) (*Task, error) {
	return q.PopNextByType(ctx, "")
}

// PopNextByType is PopNext restricted to one task type. An empty type
// matches any.
func (q *Queue) PopNextByType(ctx context.Context, typ TaskType) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	candidates := q.queued(typ)
	if len(candidates) == 0 {
		return nil, nil
	}
	return q.start(ctx, candidates[0])
}

// Start moves a specific queued task to in-progress.
func (q *Queue) Start(ctx context.Context, id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.find(id)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s: %w", id, ErrTerminal)
	}
	if t.Status != StatusQueued {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.Status, StatusInProgress)
	}
	return q.start(ctx, t)
}

func (q *Queue) start(ctx context.Context, t *Task) (*Task, error) {
	before := q.snapshot()
	now := q.now()
	t.Status = StatusInProgress
	t.StartedAt = &now
	if err := q.commit(ctx, before, q.saveTasks); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// Complete records a terminal result for an in-progress task and archives
// it. Success selects completed, otherwise failed. The task stays in the
// live queue until ClearCompleted.
func (q *Queue) Complete(ctx context.Context, id string, res Result) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.find(id)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s: %w", id, ErrTerminal)
	}
	if t.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: %s → terminal", ErrInvalidTransition, t.Status)
	}
	before := q.snapshot()
	q.finish(t, res)
	if err := q.commit(ctx, before, q.saveAll); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// Fail is Complete with an unsuccessful result carrying err.
func (q *Queue) Fail(ctx context.Context, id string, err error) (*Task, error) {
	return q.Complete(ctx, id, Result{Error: err.Error()})
}

// finish sets the terminal status, archives t and settles its proposal.
// Callers hold mu.
func (q *Queue) finish(t *Task, res Result) {
	now := q.now()
	r := res
	t.Result = &r
	t.CompletedAt = &now
	if res.Success {
		t.Status = StatusCompleted
	} else {
		t.Status = StatusFailed
	}
	q.archive(t)
	q.settleProposal(t)
}

func (q *Queue) archive(t *Task) {
	q.history = append(q.history, t.clone())
	if over := len(q.history) - q.historyLimit; over > 0 {
		q.history = append([]*Task(nil), q.history[over:]...)
	}
}

// Approve releases a task held for approval into the queue.
func (q *Queue) Approve(ctx context.Context, id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.find(id)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status != StatusAwaitingApproval {
		return nil, fmt.Errorf("%w: approve from %s", ErrInvalidTransition, t.Status)
	}
	before := q.snapshot()
	t.Status = StatusQueued
	if err := q.commit(ctx, before, q.saveTasks); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// Reject fails a task held for approval. It is archived with reason.
func (q *Queue) Reject(ctx context.Context, id, reason string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.find(id)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status != StatusAwaitingApproval {
		return nil, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, t.Status)
	}
	if reason == "" {
		reason = "rejected by operator"
	}
	before := q.snapshot()
	q.finish(t, Result{Error: reason})
	if err := q.commit(ctx, before, q.saveAll); err != nil {
		return nil, err
	}
	return t.clone(), nil
}

// ClearCompleted drops terminal tasks from the live queue and returns how
// many were removed. They remain in history.
func (q *Queue) ClearCompleted(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	before := q.snapshot()
	kept := make([]*Task, 0, len(q.tasks))
	removed := 0
	for _, t := range q.tasks {
		if t.Status.Terminal() {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	q.tasks = kept
	if removed == 0 {
		return 0, nil
	}
	if err := q.commit(ctx, before, q.saveTasks); err != nil {
		return 0, err
	}
	return removed, nil
}

// Exists reports whether a non-terminal task targets (target, type).
// Targets compare case-insensitively.
func (q *Queue) Exists(target string, typ TaskType) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.exists(target, typ)
}

// History returns archived tasks, newest first. limit <= 0 returns all.
func (q *Queue) History(limit int) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Task, 0, n)
	for i := len(q.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, q.history[i].clone())
	}
	return out
}

// HistoryByMonth returns archived tasks completed in the given month (UTC),
// newest first.
func (q *Queue) HistoryByMonth(year int, month time.Month) []*Task {
	return q.historyWhere(func(at time.Time) bool {
		return at.Year() == year && at.Month() == month
	})
}

// HistoryByDate returns archived tasks completed on day's calendar date in
// day's location, newest first.
func (q *Queue) HistoryByDate(day time.Time) []*Task {
	y, m, d := day.Date()
	loc := day.Location()
	return q.historyWhere(func(at time.Time) bool {
		ay, am, ad := at.In(loc).Date()
		return ay == y && am == m && ad == d
	})
}

func (q *Queue) historyWhere(match func(time.Time) bool) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Task
	for i := len(q.history) - 1; i >= 0; i-- {
		t := q.history[i]
		if t.CompletedAt != nil && match(t.CompletedAt.UTC()) {
			out = append(out, t.clone())
		}
	}
	return out
}

// Stats summarizes the live queue and history.
type Stats struct {
	ByStatus     map[Status]int   `json:"by_status"`
	ByType       map[TaskType]int `json:"by_type"` // non-terminal tasks only
	HistoryTotal int              `json:"history_total"`
	HistoryFails int              `json:"history_failures"`
}

// Stats counts tasks by status and type.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{ByStatus: map[Status]int{}, ByType: map[TaskType]int{}, HistoryTotal: len(q.history)}
	for _, t := range q.tasks {
		s.ByStatus[t.Status]++
		if !t.Status.Terminal() {
			s.ByType[t.Type]++
		}
	}
	for _, t := range q.history {
		if t.Status == StatusFailed {
			s.HistoryFails++
		}
	}
	return s
}
