package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/grove/internal/scheduler"
	"github.com/lazypower/grove/internal/server"
)

var serveNoResearch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and the research scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoResearch, "no-research", false, "serve the API without running the scheduler loop")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(server.Deps{
		DB:        a.db,
		Pages:     a.pages,
		Retriever: a.engine,
		Scheduler: a.sched,
		Log:       a.log,
	}, VersionString())
	addr := a.cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("grove serving",
			zap.String("addr", addr),
			zap.String("db", a.db.Path),
			zap.String("llm", a.cfg.LLM.Provider),
			zap.String("mode", string(a.sched.Mode())))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if a.index != nil {
		g.Go(func() error {
			syncCtx, cancel := context.WithTimeout(gctx, 5*time.Minute)
			defer cancel()
			n, err := a.index.Sync(syncCtx)
			if err != nil && gctx.Err() == nil {
				a.log.Warn("embed pages", zap.Error(err))
			} else if n > 0 {
				a.log.Info("embedded pages", zap.Int("count", n))
			}
			return nil
		})
	}

	if !serveNoResearch {
		g.Go(func() error { return a.sched.Run(gctx) })
		if path := a.cfg.Scheduler.TriggerPath; path != "" && a.sched.Mode() == scheduler.ModeTriggered {
			ft := scheduler.NewFileTrigger(path, a.sched.Trigger, a.log.Named("trigger"))
			g.Go(func() error {
				if err := ft.Run(gctx); err != nil {
					a.log.Error("trigger watcher stopped", zap.Error(err))
				}
				return nil
			})
		}
	}

	return g.Wait()
}
