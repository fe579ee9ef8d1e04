package research

import (
	"fmt"
	"time"
)

// ProposalStatus is a proposal's lifecycle position.
type ProposalStatus string

const (
	ProposalDraft      ProposalStatus = "draft"
	ProposalPending    ProposalStatus = "pending"
	ProposalApproved   ProposalStatus = "approved"
	ProposalInProgress ProposalStatus = "in-progress"
	ProposalCompleted  ProposalStatus = "completed"
	ProposalRejected   ProposalStatus = "rejected"
)

var proposalTransitions = map[ProposalStatus][]ProposalStatus{
	ProposalDraft:      {ProposalPending, ProposalRejected},
	ProposalPending:    {ProposalApproved, ProposalRejected},
	ProposalApproved:   {ProposalInProgress, ProposalRejected},
	ProposalInProgress: {ProposalCompleted},
}

// ParseProposalStatus validates a proposal status name.
func ParseProposalStatus(s string) (ProposalStatus, error) {
	switch st := ProposalStatus(s); st {
	case ProposalDraft, ProposalPending, ProposalApproved, ProposalInProgress, ProposalCompleted, ProposalRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown proposal status %q", s)
}

// Proposal groups tasks under a theme. It references tasks by id; removing
// a proposal leaves its tasks and their history alone.
type Proposal struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Theme     string         `json:"theme"`
	Status    ProposalStatus `json:"status"`
	TaskIDs   []string       `json:"task_ids"`
	Summary   string         `json:"summary,omitempty"` // written after completion
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (p *Proposal) clone() *Proposal {
	c := *p
	c.TaskIDs = append([]string(nil), p.TaskIDs...)
	return &c
}
