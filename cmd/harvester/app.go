package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mediacrawler/harvester/internal/credential"
	"github.com/mediacrawler/harvester/internal/journal"
	"github.com/mediacrawler/harvester/internal/login"
	"github.com/mediacrawler/harvester/internal/login/browser"
	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/service"
	"github.com/mediacrawler/harvester/internal/store"
)

// app holds the process wide components built from the configuration.
type app struct {
	cfg      *model.Config
	maxAge   time.Duration
	cache    *credential.Cache
	journals *journal.Registry
	archive  *store.Archive
	jobs     *service.Orchestrator
	logins   *login.Manager
}

func newApp(ctx context.Context, cfg *model.Config) (*app, error) {
	maxAge, err := cfg.Cookies.MaxAgeDuration()
	if err != nil {
		return nil, fmt.Errorf("cookies.max_age: %w", err)
	}
	loginTimeout, err := cfg.Login.TimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("login.timeout: %w", err)
	}

	a := &app{cfg: cfg, maxAge: maxAge, journals: journal.NewRegistry()}
	a.cache, err = credential.NewCache(cfg.Cookies.Dir)
	if err != nil {
		return nil, err
	}
	if cfg.Archive != nil {
		a.archive, err = store.OpenArchive(ctx, cfg.Archive.Path)
		if err != nil {
			return nil, errors.Join(err, a.cache.Close())
		}
	}

	a.jobs = service.NewOrchestrator(service.Options{
		Crawler: cfg.Crawler,
		MaxAge:  maxAge,
		Env:     model.EnvOverrides(nil),
	}, nil, a.journals, a.cache, a.archive)

	a.logins, err = login.NewManager(login.Options{
		Dir:     cfg.Login.Dir,
		Timeout: loginTimeout,
		Factory: browser.Factory(browser.Options{
			Headless: cfg.Login.Headless,
			ExecPath: cfg.Login.ExecPath,
		}),
	}, a.cache, a.journals)
	if err != nil {
		a.jobs.Close(ctx)
		return nil, errors.Join(err, a.closeStores())
	}
	slog.DebugContext(ctx, "components ready",
		"crawler", cfg.Crawler.Command,
		"cookies", cfg.Cookies.Dir,
		"archive", cfg.Archive != nil,
	)
	return a, nil
}

func (a *app) closeStores() error {
	var errs []error
	if a.archive != nil {
		errs = append(errs, a.archive.Close())
	}
	errs = append(errs, a.cache.Close())
	return errors.Join(errs...)
}

// Close stops running jobs and login sessions and releases the stores.
func (a *app) Close(ctx context.Context) error {
	a.jobs.Close(ctx)
	return errors.Join(a.logins.Close(ctx), a.closeStores())
}
