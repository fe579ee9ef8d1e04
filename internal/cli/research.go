package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lazypower/grove/internal/config"
	"github.com/lazypower/grove/internal/maturity"
	"github.com/lazypower/grove/internal/research"
	"github.com/lazypower/grove/internal/scheduler"
	"github.com/lazypower/grove/internal/store"
)

var (
	runMax         int
	runWithHarvest bool
	queueHistory   int
	rejectReason   string
	deepenType     string
	deepenNotes    string
	harvestQuests  bool
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Scan the graph and queue research tasks",
	Args:  cobra.NoArgs,
	RunE:  runHarvest,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute queued research tasks",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the research queue",
	Args:  cobra.NoArgs,
	RunE:  runQueue,
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Release a task held for approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a task held for approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runReject,
}

var deepenCmd = &cobra.Command{
	Use:   "deepen <name>",
	Short: "Resynthesize a page now",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeepen,
}

func init() {
	runCmd.Flags().IntVarP(&runMax, "max", "n", 0, "maximum tasks to run (0 runs all queued)")
	runCmd.Flags().BoolVar(&runWithHarvest, "harvest", false, "harvest the graph before running")
	queueCmd.Flags().IntVar(&queueHistory, "history", 0, "also show this many archived tasks")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "reason recorded on the task")
	deepenCmd.Flags().StringVarP(&deepenType, "type", "t", "", "page type")
	deepenCmd.Flags().StringVar(&deepenNotes, "notes", "", "notes recorded with the synthesis event")
	harvestCmd.Flags().BoolVar(&harvestQuests, "questions", false, "also harvest open questions")
}

func remote() *Client {
	if serverURL == "" {
		return nil
	}
	return NewClient(serverURL)
}

func runHarvest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var rep scheduler.HarvestReport
	if c := remote(); c != nil {
		if err := c.Do(ctx, http.MethodPost, "/api/research/harvest", &rep); err != nil {
			return err
		}
	} else {
		a, err := openApp(ctx, func(cfg *config.Config) {
			cfg.Research.HarvestQuestions = cfg.Research.HarvestQuestions || harvestQuests
		})
		if err != nil {
			return err
		}
		defer a.Close()
		r, err := a.sched.Harvest(ctx)
		if err != nil {
			return err
		}
		rep = *r
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "queued %d task(s): %d red link, %d deepening, %d question\n",
		rep.Total(), rep.RedLinks, rep.Deepening, rep.Questions)
	printTasks(out, rep.Tasks)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var rep scheduler.BatchReport
	if c := remote(); c != nil {
		path := "/api/research/run?max=" + strconv.Itoa(runMax)
		if runWithHarvest {
			path += "&harvest=true"
		}
		if err := c.Do(ctx, http.MethodPost, path, &rep); err != nil {
			return err
		}
	} else {
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		run := a.sched.RunBatch
		if runWithHarvest {
			run = a.sched.HarvestAndRun
		}
		r, err := run(ctx, runMax)
		if r != nil {
			rep = *r
		}
		if err != nil && r == nil {
			return err
		}
	}
	out := cmd.OutOrStdout()
	if h := rep.Harvest; h != nil {
		fmt.Fprintf(out, "queued %d task(s) from harvest\n", h.Total())
	}
	fmt.Fprintf(out, "ran %d task(s): %d succeeded, %d failed\n", rep.Attempted, rep.Succeeded, rep.Failed)
	printTasks(out, rep.Tasks)
	return nil
}

type queueView struct {
	Tasks   []*research.Task `json:"tasks"`
	Stats   research.Stats   `json:"stats"`
	History []*research.Task `json:"history"`
}

func runQueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var v queueView
	if c := remote(); c != nil {
		path := "/api/queue"
		if queueHistory > 0 {
			path += "?history=" + strconv.Itoa(queueHistory)
		}
		if err := c.Do(ctx, http.MethodGet, path, &v); err != nil {
			return err
		}
	} else {
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		v.Tasks = a.queue.List()
		v.Stats = a.queue.Stats()
		if queueHistory > 0 {
			v.History = a.queue.History(queueHistory)
		}
	}

	out := cmd.OutOrStdout()
	if len(v.Tasks) == 0 {
		fmt.Fprintln(out, "Research queue is empty.")
	} else {
		printTasks(out, v.Tasks)
	}
	if queueHistory > 0 {
		fmt.Fprintf(out, "\n## History (%d archived, %d failed)\n", v.Stats.HistoryTotal, v.Stats.HistoryFails)
		printTasks(out, v.History)
	}
	return nil
}

func runApprove(cmd *cobra.Command, args []string) error {
	return transition(cmd, args[0], "approve", func(ctx context.Context, a *app) (*research.Task, error) {
		return a.sched.Approve(ctx, args[0])
	})
}

func runReject(cmd *cobra.Command, args []string) error {
	return transition(cmd, args[0], "reject?reason="+url.QueryEscape(rejectReason), func(ctx context.Context, a *app) (*research.Task, error) {
		return a.queue.Reject(ctx, args[0], rejectReason)
	})
}

func transition(cmd *cobra.Command, id, action string, local func(context.Context, *app) (*research.Task, error)) error {
	ctx := cmd.Context()
	var t *research.Task
	if c := remote(); c != nil {
		t = new(research.Task)
		if err := c.Do(ctx, http.MethodPost, "/api/queue/"+url.PathEscape(id)+"/"+action, t); err != nil {
			return err
		}
	} else {
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if t, err = local(ctx, a); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %q is %s\n", t.ID, t.Type, t.Target, t.Status)
	return nil
}

func runDeepen(cmd *cobra.Command, args []string) error {
	typ, err := store.ParsePageType(deepenType)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.pipeline.Run(ctx, args[0], typ, maturity.TriggerExplicitRequest, deepenNotes)
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("page %q not found", args[0])
	}
	m := res.Page.Maturity
	fmt.Fprintf(cmd.OutOrStdout(), "deepened %s/%s: level %d, depth %.2f (%d in / %d out tokens)\n",
		res.Page.Type, res.Page.Name, m.Level, m.DepthScore, res.InputTokens, res.OutputTokens)
	return nil
}

func printTasks(w io.Writer, tasks []*research.Task) {
	for _, t := range tasks {
		fmt.Fprintf(w, "%s  %-17s %-11s %.2f  %s", t.ID, t.Status, t.Type, t.Priority, t.Target)
		if t.Result != nil && t.Result.Error != "" {
			fmt.Fprintf(w, "  (%s)", t.Result.Error)
		}
		fmt.Fprintln(w)
	}
}
