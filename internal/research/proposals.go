package research

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (q *Queue) findProposal(id string) *Proposal {
	for _, p := range q.proposals {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// AddProposal stores a new proposal, in draft unless a status is given.
func (q *Queue) AddProposal(ctx context.Context, p *Proposal) (*Proposal, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("proposal title is empty")
	}
	c := p.clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = ProposalDraft
	}
	if _, err := ParseProposalStatus(string(c.Status)); err != nil {
		return nil, err
	}
	now := q.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.findProposal(c.ID) != nil {
		return nil, fmt.Errorf("proposal %s already exists", c.ID)
	}
	before := q.snapshot()
	q.proposals = append(q.proposals, c)
	if err := q.commit(ctx, before, q.saveProposals); err != nil {
		return nil, err
	}
	return c.clone(), nil
}

// GetProposal returns a copy of a proposal, or nil.
func (q *Queue) GetProposal(id string) *Proposal {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p := q.findProposal(id); p != nil {
		return p.clone()
	}
	return nil
}

// UpdateProposal applies edit to a proposal. Status changes go through
// TransitionProposal.
func (q *Queue) UpdateProposal(ctx context.Context, id string, edit func(p *Proposal)) (*Proposal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.findProposal(id)
	if p == nil {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	c := p.clone()
	edit(c)
	if c.ID != p.ID {
		return nil, fmt.Errorf("proposal %s: id is immutable", id)
	}
	if c.Status != p.Status {
		return nil, fmt.Errorf("%w: use TransitionProposal to change status", ErrInvalidTransition)
	}
	c.UpdatedAt = q.now()
	before := q.snapshot()
	*p = *c
	if err := q.commit(ctx, before, q.saveProposals); err != nil {
		return nil, err
	}
	return p.clone(), nil
}

// TransitionProposal moves a proposal along its lifecycle. Completing a
// proposal with no summary writes one from its tasks' results.
func (q *Queue) TransitionProposal(ctx context.Context, id string, to ProposalStatus) (*Proposal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.findProposal(id)
	if p == nil {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	if !slices.Contains(proposalTransitions[p.Status], to) {
		return nil, fmt.Errorf("%w: proposal %s → %s", ErrInvalidTransition, p.Status, to)
	}
	before := q.snapshot()
	p.Status = to
	p.UpdatedAt = q.now()
	if to == ProposalCompleted && p.Summary == "" {
		p.Summary = q.summarize(p)
	}
	if err := q.commit(ctx, before, q.saveProposals); err != nil {
		return nil, err
	}
	return p.clone(), nil
}

// ListProposals returns proposals in creation order, optionally filtered by
// status.
func (q *Queue) ListProposals(status ProposalStatus) []*Proposal {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Proposal
	for _, p := range q.proposals {
		if status == "" || p.Status == status {
			out = append(out, p.clone())
		}
	}
	return out
}

// DeleteProposal removes a proposal. Its tasks are not touched.
func (q *Queue) DeleteProposal(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.proposals {
		if p.ID == id {
			before := q.snapshot()
			q.proposals = append(q.proposals[:i:i], q.proposals[i+1:]...)
			if err := q.commit(ctx, before, q.saveProposals); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// settleProposal completes any in-progress proposal that t belongs to once
// none of its tasks is still live. Callers hold mu.
func (q *Queue) settleProposal(t *Task) {
	for _, p := range q.proposals {
		if p.Status != ProposalInProgress {
			continue
		}
		if p.ID != t.ProposalID && !slices.Contains(p.TaskIDs, t.ID) {
			continue
		}
		if q.proposalPending(p) {
			continue
		}
		p.Status = ProposalCompleted
		p.UpdatedAt = q.now()
		if p.Summary == "" {
			p.Summary = q.summarize(p)
		}
		q.log.Info("research proposal completed", zap.String("proposal", p.Title))
	}
}

func (q *Queue) proposalPending(p *Proposal) bool {
	for _, t := range q.tasks {
		if t.Status.Terminal() {
			continue
		}
		if t.ProposalID == p.ID || slices.Contains(p.TaskIDs, t.ID) {
			return true
		}
	}
	return false
}

// outcome returns the newest terminal record of a task, live or archived.
func (q *Queue) outcome(id string) *Task {
	if t := q.find(id); t != nil && t.Status.Terminal() {
		return t
	}
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].ID == id {
			return q.history[i]
		}
	}
	return nil
}

// summarize describes what a proposal's tasks produced.
func (q *Queue) summarize(p *Proposal) string {
	ids := slices.Clone(p.TaskIDs)
	for _, t := range q.tasks {
		if t.ProposalID == p.ID && !slices.Contains(ids, t.ID) {
			ids = append(ids, t.ID)
		}
	}

	var done, failed int
	var created, updated, failures []string
	for _, id := range ids {
		t := q.outcome(id)
		if t == nil || t.Result == nil {
			continue
		}
		if t.Status == StatusCompleted {
			done++
			created = append(created, t.Result.PagesCreated...)
			updated = append(updated, t.Result.PagesUpdated...)
			continue
		}
		failed++
		failures = append(failures, fmt.Sprintf("%s (%s)", t.Target, t.Result.Error))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d tasks succeeded", done, len(ids))
	if len(created) > 0 {
		fmt.Fprintf(&b, "; created %s", strings.Join(created, ", "))
	}
	if len(updated) > 0 {
		fmt.Fprintf(&b, "; updated %s", strings.Join(updated, ", "))
	}
	if failed > 0 {
		fmt.Fprintf(&b, "; failed %s", strings.Join(failures, ", "))
	}
	return b.String()
}
