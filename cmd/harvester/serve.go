package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mediacrawler/harvester/internal/httpapi"
	"github.com/mediacrawler/harvester/internal/log"
	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/platform"
	"github.com/mediacrawler/harvester/internal/service"
)

const shutdownTimeout = 10 * time.Second

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the HTTP API, the retention janitor and the credential watcher",
	RunE:  doServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address, overrides http.addr")
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("harvester",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	a, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.Close(cctx); err != nil {
			slog.ErrorContext(ctx, "shutdown", "err", err)
		}
	}()

	janitor, err := service.NewJanitor(ctx, a.jobs, config.Retention)
	if err != nil {
		return err
	}

	addr := config.HTTP.Addr
	if flagAddr != "" {
		addr = flagAddr
	}
	srv := &http.Server{
		Addr: addr,
		Handler: httpapi.Server{
			Jobs:    a.jobs,
			Logins:  a.logins,
			Cookies: a.cache,
			MaxAge:  a.maxAge,
			Version: version(),
		}.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(gctx, "listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		return janitor.Run(gctx)
	})
	g.Go(func() error {
		dir := service.ArtifactDir(config.Crawler)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			slog.WarnContext(gctx, "credential watcher disabled", "dir", dir, "err", err)
			return nil
		}
		if found, err := a.cache.HarvestAll(gctx, dir, platforms()); err != nil {
			slog.WarnContext(gctx, "harvesting existing artifacts", "dir", dir, "err", err)
		} else if len(found) > 0 {
			slog.InfoContext(gctx, "harvested existing artifacts", "count", len(found))
		}
		return a.cache.Watch(gctx, dir, platforms())
	})
	return g.Wait()
}

func platforms() []model.Platform {
	all := platform.All()
	out := make([]model.Platform, 0, len(all))
	for _, d := range all {
		out = append(out, d.ID)
	}
	return out
}
