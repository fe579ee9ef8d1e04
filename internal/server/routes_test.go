package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/lazypower/grove/internal/llm"
	"github.com/lazypower/grove/internal/research"
	"github.com/lazypower/grove/internal/scheduler"
	"github.com/lazypower/grove/internal/store"
)

func TestListPages(t *testing.T) {
	env := newTestEnv(t, scheduler.ModeBatched)
	env.create(t, "Memory", "# Memory\n\nSee [[Recall]].", store.TypeConcept)
	env.create(t, "Recall", "# Recall\n\nRecall is retrieval.", store.TypeConcept)
	env.create(t, "Ada", "# Ada\n\nA person.", store.TypeEntity)

	w, body := do(t, env.srv, "GET", "/api/pages")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["count"] != float64(3) {
		t.Errorf("count = %v, want 3", body["count"])
	}

	_, body = do(t, env.srv, "GET", "/api/pages?type=entity")
	if body["count"] != float64(1) {
		t.Errorf("entity count = %v, want 1", body["count"])
	}

	_, body = do(t, env.srv, "GET", "/api/pages?q=retrieval")
	if body["count"] != float64(1) {
		t.Errorf("search count = %v, want 1", body["count"])
	}

	w, _ = do(t, env.srv, "GET", "/api/pages?type=bogus")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad type status = %d, want 400", w.Code)
	}
}

func TestGetPage(t *testing.T) {
	env := newTestEnv(t, scheduler.ModeBatched)
	env.create(t, "Working Memory", "# Working Memory\n\nLinks [[Attention]].", store.TypeConcept)

	w, body := do(t, env.srv, "GET", "/api/pages/concept/Working%20Memory")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["name"] != "Working Memory" {
		t.Errorf("name = %v", body["name"])
	}
	if body["title"] != "Working Memory" {
		t.Errorf("title = %v", body["title"])
	}
	out, _ := body["outgoing"].([]any)
	if len(out) != 1 || out[0] != "Attention" {
		t.Errorf("outgoing = %v, want [Attention]", body["outgoing"])
	}

	w, _ = do(t, env.srv, "GET", "/api/pages/any/working%20memory")
	if w.Code != http.StatusOK {
		t.Errorf("any-type lookup status = %d, want 200", w.Code)
	}

	w, _ = do(t, env.srv, "GET", "/api/pages/entity/Working%20Memory")
	if w.Code != http.StatusNotFound {
		t.Errorf("wrong partition status = %d, want 404", w.Code)
	}

	w, _ = do(t, env.srv, "GET", "/api/pages/widget/Working%20Memory")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad type status = %d, want 400", w.Code)
	}
}

func TestPageHistory(t *testing.T) {
	env := newTestEnv(t, scheduler.ModeBatched)
	env.create(t, "Memory", "# Memory\n\nFirst.", store.TypeConcept)
	if _, err := env.pages.Update(context.Background(), "Memory", "# Memory\n\nSecond.", store.TypeConcept); err != nil {
		t.Fatalf("Update: %v", err)
	}

	w, body := do(t, env.srv, "GET", "/api/pages/concept/Memory/history")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	revs, _ := body["revisions"].([]any)
	if len(revs) != 2 {
		t.Errorf("revisions = %d, want 2", len(revs))
	}

	w, _ = do(t, env.srv, "GET", "/api/pages/concept/Nothing/history")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing page history status = %d, want 404", w.Code)
	}
}

func TestGraphEndpoints(t *testing.T) {
	env := newTestEnv(t, scheduler.ModeBatched)
	env.create(t, "Alpha", "# Alpha\n\nSee [[Beta]] and [[Ghost]].", store.TypeConcept)
	env.create(t, "Beta", "# Beta\n\nPlain.", store.TypeConcept)
	env.create(t, "Lonely", "# Lonely\n\nNo links.", store.TypeConcept)

	_, body := do(t, env.srv, "GET", "/api/graph/broken")
	broken, _ := body["broken"].([]any)
	if len(broken) != 1 {
		t.Fatalf("broken = %v, want one link", body["broken"])
	}

	_, body = do(t, env.srv, "GET", "/api/graph/orphans")
	orphans, _ := body["orphans"].([]any)
	names := map[string]bool{}
	for _, o := range orphans {
		if m, ok := o.(map[string]any); ok {
			names[m["name"].(string)] = true
		}
	}
	if !names["Lonely"] {
		t.Errorf("orphans = %v, want Lonely included", names)
	}
	if names["Beta"] {
		t.Errorf("Beta has a backlink and should not be an orphan")
	}
}

func TestContextEndpoint(t *testing.T) {
	env := newTestEnv(t, scheduler.ModeBatched)
	env.create(t, "Memory", "# Memory\n\nMemory consolidates during sleep. See [[Sleep]].", store.TypeConcept)
	env.create(t, "Sleep", "# Sleep\n\nSleep supports memory.", store.TypeConcept)

	w, body := do(t, env.srv, "GET", "/api/context?q=memory")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["query"] != "memory" {
		t.Errorf("query = %v", body["query"])
	}
	if text, _ := body["text"].(string); text == "" {
		t.Errorf("text is empty")
	}

	w, _ = do(t, env.srv, "GET", "/api/context")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing q status = %d, want 400", w.Code)
	}
	w, _ = do(t, env.srv, "GET", "/api/context?q=x&max_tokens=-1")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad max_tokens status = %d, want 400", w.Code)
	}
}

func TestHarvestAndRun(t *testing.T) {
	env := newTestEnv(t, scheduler.ModeBatched)
	env.create(t, "Alpha", "# Alpha\n\nAlpha depends on [[Beta]].", store.TypeConcept)
	env.client.Response = &llm.Response{Text: "# Beta\n\nBeta is what Alpha depends on."}

	w, body := do(t, env.srv, "POST", "/api/research/harvest")
	if w.Code != http.StatusOK {
		t.Fatalf("harvest status = %d", w.Code)
	}
	if body["red_links"] != float64(1) {
		t.Errorf("red_links = %v, want 1", body["red_links"])
	}

	_, body = do(t, env.srv, "GET", "/api/queue")
	tasks, _ := body["tasks"].([]any)
	if len(tasks) != 1 {
		t.Fatalf("queued tasks = %d, want 1", len(tasks))
	}

	w, body = do(t, env.srv, "POST", "/api/research/run?max=1")
	if w.Code != http.StatusOK {
		t.Fatalf("run status = %d", w.Code)
	}
	if body["succeeded"] != float64(1) {
		t.Errorf("succeeded = %v, want 1 (%v)", body["succeeded"], body)
	}

	w, _ = do(t, env.srv, "GET", "/api/pages/concept/Beta")
	if w.Code != http.StatusOK {
		t.Errorf("Beta not created: status = %d", w.Code)
	}

	_, body = do(t, env.srv, "GET", "/api/queue?history=5")
	hist, _ := body["history"].([]any)
	if len(hist) != 1 {
		t.Errorf("history = %d, want 1", len(hist))
	}

	w, _ = do(t, env.srv, "POST", "/api/research/run?max=x")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad max status = %d, want 400", w.Code)
	}
	w, _ = do(t, env.srv, "POST", "/api/research/run?harvest=maybe")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad harvest status = %d, want 400", w.Code)
	}
}

func TestRunWithHarvest(t *testing.T) {
	env := newTestEnv(t, scheduler.ModeBatched)
	env.create(t, "Alpha", "# Alpha\n\nAlpha depends on [[Beta]].", store.TypeConcept)
	env.client.Response = &llm.Response{Text: "# Beta\n\nBeta is what Alpha depends on."}

	w, body := do(t, env.srv, "POST", "/api/research/run?harvest=true")
	if w.Code != http.StatusOK {
		t.Fatalf("run status = %d", w.Code)
	}
	h, ok := body["harvest"].(map[string]any)
	if !ok {
		t.Fatalf("harvest report missing: %v", body)
	}
	if h["red_links"] != float64(1) {
		t.Errorf("red_links = %v, want 1", h["red_links"])
	}
	if body["succeeded"] != float64(1) {
		t.Errorf("succeeded = %v, want 1 (%v)", body["succeeded"], body)
	}

	_, body = do(t, env.srv, "GET", "/api/queue")
	if _, ok := body["proposals"]; !ok {
		t.Errorf("queue response missing proposals")
	}
}

func TestApproveAndReject(t *testing.T) {
	env := newTestEnv(t, scheduler.ModeSupervised)
	ctx := context.Background()
	held := func(target string) *research.Task {
		task, err := env.queue.Add(ctx, &research.Task{
			Type:   research.TypeRedLink,
			Target: target,
			Status: research.StatusAwaitingApproval,
		})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		return task
	}
	a, b := held("Alpha"), held("Beta")

	w, body := do(t, env.srv, "POST", "/api/queue/"+a.ID+"/approve")
	if w.Code != http.StatusOK {
		t.Fatalf("approve status = %d", w.Code)
	}
	if body["status"] != string(research.StatusQueued) {
		t.Errorf("status = %v, want queued", body["status"])
	}

	w, _ = do(t, env.srv, "POST", "/api/queue/"+a.ID+"/approve")
	if w.Code != http.StatusConflict {
		t.Errorf("second approve status = %d, want 409", w.Code)
	}

	w, body = do(t, env.srv, "POST", "/api/queue/"+b.ID+"/reject?reason=off+topic")
	if w.Code != http.StatusOK {
		t.Fatalf("reject status = %d", w.Code)
	}
	if body["status"] != string(research.StatusFailed) {
		t.Errorf("status = %v, want failed", body["status"])
	}

	w, _ = do(t, env.srv, "POST", "/api/queue/missing/approve")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing approve status = %d, want 404", w.Code)
	}
}
