// Package research models research tasks and proposals and keeps them in a
// persistent priority queue with a capped history.
package research

import (
	"fmt"
	"time"
)

// TaskType is what a task asks the scheduler to do.
type TaskType string

const (
	TypeRedLink     TaskType = "red-link"
	TypeDeepening   TaskType = "deepening"
	TypeExploration TaskType = "exploration"
	TypeQuestion    TaskType = "question"
)

// TaskTypes lists every task type.
var TaskTypes = []TaskType{TypeRedLink, TypeDeepening, TypeExploration, TypeQuestion}

// ParseTaskType validates a task type name.
func ParseTaskType(s string) (TaskType, error) {
	for _, t := range TaskTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// Status is a task's lifecycle position. Transitions only move forward.
type Status string

const (
	StatusAwaitingApproval Status = "awaiting-approval"
	StatusQueued           Status = "queued"
	StatusInProgress       Status = "in-progress"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

var taskTransitions = map[Status][]Status{
	StatusAwaitingApproval: {StatusQueued, StatusFailed},
	StatusQueued:           {StatusInProgress},
	StatusInProgress:       {StatusCompleted, StatusFailed},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourceType records where a task came from.
type SourceType string

const (
	SourceHarvest       SourceType = "harvest"
	SourceAutoGenerated SourceType = "auto-generated"
	SourceUser          SourceType = "user"
	SourceProposal      SourceType = "proposal"
)

// Rationale holds the weighted inputs a task's priority was computed from.
// Every factor is in [0,1].
type Rationale struct {
	Curiosity           float64 `json:"curiosity"`
	ConnectionPotential float64 `json:"connection_potential"`
	FoundationRelevance float64 `json:"foundation_relevance"`
	UserRelevance       float64 `json:"user_relevance"`
	Recency             float64 `json:"recency"`
	GraphBalance        float64 `json:"graph_balance"`

	SelfDirectedCuriosity float64 `json:"self_directed_curiosity,omitempty"`
	GrowthRelevance       float64 `json:"growth_relevance,omitempty"`
	OpinionStrengthening  float64 `json:"opinion_strengthening,omitempty"`
	ObservationValidation float64 `json:"observation_validation,omitempty"`
}

// Result is recorded when a task reaches a terminal status.
type Result struct {
	Success      bool     `json:"success"`
	Summary      string   `json:"summary,omitempty"`
	Error        string   `json:"error,omitempty"`
	PagesCreated []string `json:"pages_created,omitempty"`
	PagesUpdated []string `json:"pages_updated,omitempty"`
	FollowUps    []string `json:"follow_ups,omitempty"` // ids of tasks enqueued from this one
	InputTokens  int      `json:"input_tokens,omitempty"`
	OutputTokens int      `json:"output_tokens,omitempty"`
}

// Task is one unit of research work.
type Task struct {
	ID          string     `json:"id"`
	Type        TaskType   `json:"type"`
	Target      string     `json:"target"`
	Context     string     `json:"context"`
	Priority    float64    `json:"priority"`
	Status      Status     `json:"status"`
	Rationale   Rationale  `json:"rationale"`
	Result      *Result    `json:"result,omitempty"`
	SourcePage  string     `json:"source_page,omitempty"`
	SourceType  SourceType `json:"source_type"`
	ProposalID  string     `json:"proposal_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	if t.Result != nil {
		r := *t.Result
		r.PagesCreated = append([]string(nil), r.PagesCreated...)
		r.PagesUpdated = append([]string(nil), r.PagesUpdated...)
		r.FollowUps = append([]string(nil), r.FollowUps...)
		c.Result = &r
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := *t.CompletedAt
		c.CompletedAt = &s
	}
	return &c
}
