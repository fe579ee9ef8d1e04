package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/lazypower/grove/internal/llm"
	"github.com/lazypower/grove/internal/maturity"
	"github.com/lazypower/grove/internal/research"
	"github.com/lazypower/grove/internal/resynth"
	"github.com/lazypower/grove/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	pages    *store.PageStore
	queue    *research.Queue
	client   *llm.MockClient
	detector *maturity.Detector
	sched    *Scheduler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	log := zaptest.NewLogger(t)

	f := &fixture{
		pages:    store.NewPageStore(db, log),
		client:   &llm.MockClient{},
		detector: maturity.NewDetector([]string{"Memory"}, 7),
	}
	f.queue, err = research.OpenQueue(context.Background(), store.NewQueueStorage(db), 0, log)
	require.NoError(t, err)
	pipeline := resynth.New(f.pages, f.client, f.detector, resynth.Options{Validate: false}, log)
	f.sched = New(Deps{
		Pages:    f.pages,
		Queue:    f.queue,
		Pipeline: pipeline,
		Client:   f.client,
		Detector: f.detector,
	}, opts, log)
	return f
}

func (f *fixture) create(t *testing.T, name, body string) *store.Page {
	t.Helper()
	p, err := f.pages.Create(context.Background(), name, body, store.TypeConcept)
	require.NoError(t, err)
	return p
}

func batched() Options {
	return Options{Mode: ModeBatched}
}

func TestParseMode(t *testing.T) {
	for _, m := range Modes {
		got, err := ParseMode(strings.ToUpper(string(m)))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("eager")
	assert.Error(t, err)
}

func TestRedLinkEndToEnd(t *testing.T) {
	f := newFixture(t, batched())
	ctx := context.Background()
	f.create(t, "Alpha", "# Alpha\n\nAlpha depends on [[Beta]].")

	tasks, err := f.sched.HarvestRedLinks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Beta", tasks[0].Target)
	assert.Equal(t, "Alpha", tasks[0].SourcePage)
	assert.Equal(t, research.SourceHarvest, tasks[0].SourceType)
	assert.Equal(t, research.StatusQueued, tasks[0].Status)
	assert.Greater(t, tasks[0].Priority, 0.0)

	again, err := f.sched.HarvestRedLinks(ctx)
	require.NoError(t, err)
	assert.Empty(t, again, "harvest is idempotent")

	f.client.Response = &llm.Response{
		Text:         "# Beta\n\nBeta builds on [[Alpha]] and opens up [[Gamma]].\n",
		InputTokens:  120,
		OutputTokens: 30,
	}
	done, err := f.sched.RunSingleTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, research.StatusCompleted, done.Status)
	assert.Equal(t, []string{"Beta"}, done.Result.PagesCreated)
	assert.Equal(t, 120, done.Result.InputTokens)
	require.Len(t, done.Result.FollowUps, 1)

	beta, err := f.pages.Read(ctx, "Beta", "")
	require.NoError(t, err)
	require.NotNil(t, beta)
	assert.Equal(t, 1, beta.Maturity.Level)
	require.Len(t, beta.Maturity.History, 1)
	assert.Equal(t, maturity.TriggerInitialResearch, beta.Maturity.History[0].Trigger)

	prompt := f.client.Prompts()[0]
	assert.Contains(t, prompt, `"Beta"`)
	assert.Contains(t, prompt, "[[Alpha]]", "the linking page is source material")

	follow := f.queue.Get(done.Result.FollowUps[0])
	require.NotNil(t, follow)
	assert.Equal(t, "Gamma", follow.Target)
	assert.Equal(t, research.TypeRedLink, follow.Type)
	assert.Equal(t, research.SourceAutoGenerated, follow.SourceType)
	assert.Equal(t, "Beta", follow.SourcePage)
	assert.Greater(t, follow.Rationale.SelfDirectedCuriosity, 0.0)

	assert.False(t, f.queue.Exists("Beta", research.TypeRedLink))
	assert.Len(t, f.queue.History(0), 1)
}

func TestFollowUpsCapped(t *testing.T) {
	f := newFixture(t, batched())
	ctx := context.Background()
	f.create(t, "Alpha", "[[Beta]]")
	_, err := f.sched.HarvestRedLinks(ctx)
	require.NoError(t, err)

	f.client.Response = &llm.Response{Text: "# Beta\n\n[[C1]] [[C2]] [[C3]] [[C4]] [[C5]] [[Alpha]]"}
	done, err := f.sched.RunSingleTask(ctx)
	require.NoError(t, err)
	assert.Len(t, done.Result.FollowUps, 3)
	assert.Len(t, f.queue.GetQueued(), 3)
}

func TestGenerationFailureMarksTaskFailed(t *testing.T) {
	f := newFixture(t, batched())
	ctx := context.Background()
	f.create(t, "Alpha", "[[Beta]]")
	_, err := f.sched.HarvestRedLinks(ctx)
	require.NoError(t, err)

	f.client.Err = errors.New("rate limited")
	done, err := f.sched.RunSingleTask(ctx)
	require.NoError(t, err, "task failures are recorded, not returned")
	assert.Equal(t, research.StatusFailed, done.Status)
	assert.Contains(t, done.Result.Error, "rate limited")

	beta, err := f.pages.Read(ctx, "Beta", "")
	require.NoError(t, err)
	assert.Nil(t, beta)

	// the next harvest rediscovers the red link
	tasks, err := f.sched.HarvestRedLinks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestCancelledTaskIsFailed(t *testing.T) {
	f := newFixture(t, batched())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.create(t, "Alpha", "[[Beta]]")
	_, err := f.sched.HarvestRedLinks(ctx)
	require.NoError(t, err)

	f.client.Fn = func(llm.Request) (*llm.Response, error) {
		cancel()
		return nil, context.Canceled
	}
	done, err := f.sched.RunSingleTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, research.StatusFailed, done.Status)

	stored := f.queue.Get(done.ID)
	require.NotNil(t, stored)
	assert.Equal(t, research.StatusFailed, stored.Status)
}

func TestTaskTimeout(t *testing.T) {
	f := newFixture(t, Options{Mode: ModeBatched, TaskTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	f.create(t, "Alpha", "[[Beta]]")
	_, err := f.sched.HarvestRedLinks(ctx)
	require.NoError(t, err)

	f.client.Fn = func(r llm.Request) (*llm.Response, error) {
		time.Sleep(50 * time.Millisecond)
		return &llm.Response{Text: "# Beta\n\nlate"}, nil
	}
	done, err := f.sched.RunSingleTask(ctx)
	require.NoError(t, err)
	// the mock ignores the deadline, so creation is rejected by the store
	// transaction instead of by the generator
	assert.Equal(t, research.StatusFailed, done.Status)
	assert.Contains(t, done.Result.Error, "deadline")
}

func TestTemporalDecayEndToEnd(t *testing.T) {
	f := newFixture(t, batched())
	ctx := context.Background()
	f.create(t, "Hub", "# Hub\n\nA busy page.")
	for i := range 12 {
		f.create(t, fmt.Sprintf("Spoke %d", i), "Points at [[Hub]].")
	}

	hub, err := f.pages.Read(ctx, "Hub", "")
	require.NoError(t, err)
	st := hub.Maturity
	require.Equal(t, 12, st.Connections.Incoming)
	tenDaysAgo := time.Now().Add(-10 * 24 * time.Hour)
	st.LastDeepenedAt = &tenDaysAgo
	st.Connections.AddedSinceLastSynthesis = 0
	require.NoError(t, f.pages.SaveMaturity(ctx, string(hub.Type), hub.Name, st))

	hub, err = f.pages.Read(ctx, "Hub", "")
	require.NoError(t, err)
	trig, ok := maturity.ShouldDeepen(hub.Maturity, time.Now(), 7)
	require.True(t, ok)
	assert.Equal(t, maturity.TriggerTemporalDecay, trig)

	tasks, err := f.sched.HarvestDeepening(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Hub", tasks[0].Target)
	assert.True(t, strings.HasPrefix(tasks[0].Context, string(maturity.TriggerTemporalDecay)+":"))

	f.client.Response = &llm.Response{Text: "# Hub\n\nA busy page, now considered in depth."}
	done, err := f.sched.RunSingleTask(ctx)
	require.NoError(t, err)
	require.Equal(t, research.StatusCompleted, done.Status, "result: %+v", done.Result)
	assert.Equal(t, []string{"Hub"}, done.Result.PagesUpdated)

	hub, err = f.pages.Read(ctx, "Hub", "")
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Maturity.Level)
	assert.Equal(t, 0, hub.Maturity.Connections.AddedSinceLastSynthesis)
	last := hub.Maturity.History[len(hub.Maturity.History)-1]
	assert.Equal(t, maturity.TriggerTemporalDecay, last.Trigger)
	_, ok = maturity.ShouldDeepen(hub.Maturity, time.Now(), 7)
	assert.False(t, ok)
	assert.True(t, f.detector.RecentlyDeepened("Hub"))
}

func TestFoundationalShiftSurvivesBlockedNeighbor(t *testing.T) {
	f := newFixture(t, batched())
	ctx := context.Background()
	f.create(t, "Memory", "# Memory\n\nHow we keep things.")
	f.create(t, "Attention", "# Attention\n\nAttention shapes [[Memory]].")
	f.detector.MarkDeepened("Memory")

	blocking, err := f.queue.Add(ctx, &research.Task{Type: research.TypeDeepening, Target: "Attention"})
	require.NoError(t, err)
	tasks, err := f.sched.HarvestDeepening(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	_, err = f.queue.Remove(ctx, blocking.ID)
	require.NoError(t, err)
	tasks, err = f.sched.HarvestDeepening(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Attention", tasks[0].Target)
	assert.True(t, strings.HasPrefix(tasks[0].Context, string(maturity.TriggerFoundationalShift)+":"))

	_, err = f.queue.Remove(ctx, tasks[0].ID)
	require.NoError(t, err)
	tasks, err = f.sched.HarvestDeepening(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks, "the shift was handed off once")
}

func TestQuestionHarvestOffByDefault(t *testing.T) {
	f := newFixture(t, batched())
	ctx := context.Background()
	f.create(t, "Sleep", "# Sleep\n\n## Questions\n- Why does deep sleep decline with age?\n")

	qs, err := f.sched.HarvestQuestions(ctx)
	require.NoError(t, err)
	assert.Empty(t, qs)
}

func TestQuestionTaskDeepensSource(t *testing.T) {
	f := newFixture(t, Options{Mode: ModeBatched, HarvestQuestions: true})
	ctx := context.Background()
	f.create(t, "Sleep", "# Sleep\n\n## Questions\n- Why does deep sleep decline with age?\n- Can you help?\n")

	rep, err := f.sched.Harvest(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Questions)
	q := rep.Tasks[0]
	assert.Equal(t, "Why does deep sleep decline with age?", q.Target)
	assert.Equal(t, "Sleep", q.SourcePage)

	f.client.Response = &llm.Response{Text: "# Sleep\n\nDeep sleep declines because slow waves weaken."}
	done, err := f.sched.RunSingleTask(ctx)
	require.NoError(t, err)
	require.Equal(t, research.StatusCompleted, done.Status)

	sleep, err := f.pages.Read(ctx, "Sleep", "")
	require.NoError(t, err)
	last := sleep.Maturity.History[len(sleep.Maturity.History)-1]
	assert.Equal(t, maturity.TriggerExplicitRequest, last.Trigger)
	assert.Contains(t, last.Notes, "question: Why does deep sleep decline with age?")
}

func TestExplorationCreatesOrDeepens(t *testing.T) {
	f := newFixture(t, batched())
	ctx := context.Background()
	f.create(t, "Dreams", "# Dreams\n\nOdd.")

	_, err := f.queue.Add(ctx, &research.Task{Type: research.TypeExploration, Target: "Dreams", Priority: 0.9})
	require.NoError(t, err)
	_, err = f.queue.Add(ctx, &research.Task{Type: research.TypeExploration, Target: "Lucidity", Priority: 0.5})
	require.NoError(t, err)

	f.client.Fn = func(r llm.Request) (*llm.Response, error) {
		if strings.Contains(r.Prompt, `"Lucidity"`) {
			return &llm.Response{Text: "# Lucidity\n\nAwareness within [[Dreams]]."}, nil
		}
		return &llm.Response{Text: "# Dreams\n\nDreams replay the day."}, nil
	}
	rep, err := f.sched.RunBatch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, []string{"Dreams"}, rep.Tasks[0].Result.PagesUpdated)
	assert.Equal(t, []string{"Lucidity"}, rep.Tasks[1].Result.PagesCreated)
}

func TestRunBatchOrderAndLimit(t *testing.T) {
	f := newFixture(t, batched())
	ctx := context.Background()
	for _, tc := range []struct {
		target   string
		priority float64
	}{{"Low", 0.1}, {"High", 0.9}, {"Mid", 0.5}} {
		_, err := f.queue.Add(ctx, &research.Task{Type: research.TypeRedLink, Target: tc.target, Priority: tc.priority})
		require.NoError(t, err)
	}
	f.client.Fn = func(r llm.Request) (*llm.Response, error) {
		for _, name := range []string{"Low", "High", "Mid"} {
			if strings.Contains(r.Prompt, fmt.Sprintf("%q", name)) {
				return &llm.Response{Text: "# " + name + "\n\nText."}, nil
			}
		}
		return nil, errors.New("unexpected prompt")
	}

	rep, err := f.sched.RunBatch(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Attempted)
	assert.Equal(t, "High", rep.Tasks[0].Target)
	assert.Equal(t, "Mid", rep.Tasks[1].Target)

	queued := f.queue.GetQueued()
	require.Len(t, queued, 1)
	assert.Equal(t, "Low", queued[0].Target)
}

func TestHarvestAndRun(t *testing.T) {
	f := newFixture(t, batched())
	ctx := context.Background()
	f.create(t, "Alpha", "# Alpha\n\nAlpha depends on [[Beta]].")
	f.client.Response = &llm.Response{Text: "# Beta\n\nBeta supports [[Alpha]].\n"}

	rep, err := f.sched.HarvestAndRun(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, rep.Harvest)
	assert.Equal(t, 1, rep.Harvest.RedLinks)
	assert.Equal(t, 1, rep.Attempted)
	assert.Equal(t, 1, rep.Succeeded)

	beta, err := f.pages.Read(ctx, "Beta", "")
	require.NoError(t, err)
	assert.NotNil(t, beta)

	plain, err := f.sched.RunBatch(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, plain.Harvest)
}

func TestRunBatchStopsWhenCancelled(t *testing.T) {
	f := newFixture(t, Options{Mode: ModeBatched, TaskDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	for _, target := range []string{"A", "B"} {
		_, err := f.queue.Add(ctx, &research.Task{Type: research.TypeRedLink, Target: target})
		require.NoError(t, err)
	}
	f.client.Fn = func(r llm.Request) (*llm.Response, error) {
		cancel()
		return &llm.Response{Text: "# A\n\nText."}, nil
	}

	rep, err := f.sched.RunBatch(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, rep.Attempted)
	assert.Len(t, f.queue.GetQueued(), 1, "the second task is never started")
}

func TestSupervisedModeHoldsTasks(t *testing.T) {
	f := newFixture(t, Options{Mode: ModeSupervised, Interval: time.Hour})
	f.create(t, "Alpha", "[[Beta]]")
	f.client.Response = &llm.Response{Text: "# Beta\n\nText."}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.sched.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.queue.AwaitingApproval()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	assert.Empty(t, f.client.Prompts(), "supervised mode never executes on its own")
	assert.Empty(t, f.queue.GetQueued())

	held := f.queue.AwaitingApproval()[0]
	_, err := f.sched.Approve(context.Background(), held.ID)
	require.NoError(t, err)
	rep, err := f.sched.RunApproved(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)
}

func TestTriggeredModeRunsOnTrigger(t *testing.T) {
	f := newFixture(t, Options{Mode: ModeTriggered})
	f.create(t, "Alpha", "[[Beta]]")
	f.client.Response = &llm.Response{Text: "# Beta\n\nText."}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.sched.Run(ctx) }()

	f.sched.Trigger()
	require.Eventually(t, func() bool {
		p, err := f.pages.Read(context.Background(), "Beta", "")
		return err == nil && p != nil
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
}

func TestContinuousModeDrainsQueue(t *testing.T) {
	f := newFixture(t, Options{Mode: ModeContinuous, IdlePoll: time.Hour})
	f.create(t, "Alpha", "[[Beta]] and [[Delta]]")
	f.client.Fn = func(r llm.Request) (*llm.Response, error) {
		if strings.Contains(r.Prompt, `"Beta"`) {
			return &llm.Response{Text: "# Beta\n\nText."}, nil
		}
		return &llm.Response{Text: "# Delta\n\nText."}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.sched.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.queue.History(0)) == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
}

func TestFileTriggerFires(t *testing.T) {
	dir := t.TempDir()
	var fired atomic.Int32
	ft := NewFileTrigger(dir, func() { fired.Add(1) }, zaptest.NewLogger(t))
	ft.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ft.Run(ctx) }()

	i := 0
	require.Eventually(t, func() bool {
		i++
		_ = os.WriteFile(filepath.Join(dir, fmt.Sprintf("note-%d.md", i)), []byte("x"), 0o644)
		return fired.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
}

func TestFileTriggerMissingPath(t *testing.T) {
	ft := NewFileTrigger(filepath.Join(t.TempDir(), "missing"), func() {}, nil)
	assert.Error(t, ft.Run(context.Background()))
}

func TestTriggerOf(t *testing.T) {
	assert.Equal(t, maturity.TriggerTemporalDecay, triggerOf("temporal-decay: 12 incoming links"))
	assert.Equal(t, maturity.TriggerExplicitRequest, triggerOf("operator: please"))
	assert.Equal(t, maturity.TriggerExplicitRequest, triggerOf(""))
}
