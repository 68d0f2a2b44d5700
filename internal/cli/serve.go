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

	"github.com/lazypower/diarist/internal/cloudsync"
	"github.com/lazypower/diarist/internal/server"
)

var serveWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server with the job and sync schedules",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Also sync the configured sync.dir whenever its files change")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched, err := a.eng.NewScheduler(a.cfg.Schedule, a.cfg.Sync.Dir)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()
	a.log.Info().Strs("jobs", sched.Jobs()).Msg("schedule started")

	if serveWatch {
		if err := startWatcher(ctx, a); err != nil {
			return err
		}
	}

	srv := server.New(a.eng, VersionString(), a.logger.Component("http"))
	addr := a.cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", addr).Str("db", a.db.Path).Msg("diarist serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	a.log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// startWatcher runs a file watcher over sync.dir until ctx ends.
func startWatcher(ctx context.Context, a *app) error {
	if a.eng.Syncer == nil {
		return fmt.Errorf("watch: cloud sync not configured")
	}
	if a.cfg.Sync.Dir == "" {
		return fmt.Errorf("watch: sync.dir is not set")
	}
	w, err := cloudsync.NewWatcher(a.eng.Syncer, a.cfg.Sync.Dir, a.cfg.Sync.Debounce, a.logger.Component("watch"))
	if err != nil {
		return err
	}
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error().Err(err).Msg("watcher stopped")
		}
	}()
	return nil
}
