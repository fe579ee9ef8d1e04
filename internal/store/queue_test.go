package store

import (
	"context"
	"testing"

	"github.com/lazypower/grove/internal/research"
)

func TestQueueStorageRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	s := NewQueueStorage(db)

	q, err := research.OpenQueue(ctx, s, 0, nil)
	if err != nil {
		t.Fatalf("OpenQueue: %v", err)
	}
	a, err := q.Add(ctx, &research.Task{Type: research.TypeRedLink, Target: "Beta", Priority: 0.4})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := q.Add(ctx, &research.Task{Type: research.TypeDeepening, Target: "Alpha", Priority: 0.9}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := q.AddProposal(ctx, &research.Proposal{Title: "Sleep", TaskIDs: []string{a.ID}}); err != nil {
		t.Fatalf("AddProposal: %v", err)
	}
	popped, err := q.PopNext(ctx)
	if err != nil || popped == nil {
		t.Fatalf("PopNext: %v, %v", popped, err)
	}
	if _, err := q.Complete(ctx, popped.ID, research.Result{Success: true, Summary: "done"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	reopened, err := research.OpenQueue(ctx, NewQueueStorage(db), 0, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	tasks := reopened.List()
	if len(tasks) != 2 {
		t.Fatalf("expected 2 live tasks, got %d", len(tasks))
	}
	if tasks[0].Target != "Beta" || tasks[1].Status != research.StatusCompleted {
		t.Errorf("unexpected order or status: %+v, %+v", tasks[0], tasks[1])
	}
	if h := reopened.History(0); len(h) != 1 || h[0].Result.Summary != "done" {
		t.Errorf("history not persisted: %+v", h)
	}
	if ps := reopened.ListProposals(""); len(ps) != 1 || ps[0].TaskIDs[0] != a.ID {
		t.Errorf("proposals not persisted: %+v", ps)
	}
	if !reopened.Exists("beta", research.TypeRedLink) {
		t.Error("dedup state lost after reopen")
	}
}

func TestQueueStorageEmpty(t *testing.T) {
	s := NewQueueStorage(testDB(t))
	tasks, err := s.LoadQueue(context.Background())
	if err != nil || tasks != nil {
		t.Errorf("LoadQueue on empty db = %v, %v", tasks, err)
	}
}
