package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mediacrawler/harvester/internal/credential"
	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/platform"
	"github.com/mediacrawler/harvester/internal/service"
)

var cookiesCmd = &cobra.Command{
	Use:   "cookies",
	Short: "cookies inspects and clears the cached platform credentials",
}

var cookiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "list prints every cached credential and its freshness",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cache, maxAge, err := openCache()
		if err != nil {
			return err
		}
		defer func() { _ = cache.Close() }()
		return listCookies(cmd.Context(), cmd.OutOrStdout(), cache, maxAge)
	},
}

var cookiesClearCmd = &cobra.Command{
	Use:   "clear [platform...]",
	Short: "clear removes the cached credentials of the platforms, or of all platforms",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, _, err := openCache()
		if err != nil {
			return err
		}
		defer func() { _ = cache.Close() }()
		return clearCookies(cmd.Context(), cmd.OutOrStdout(), cache, args)
	},
}

var cookiesHarvestCmd = &cobra.Command{
	Use:   "harvest [dir]",
	Short: "harvest caches the newest cookie file the crawler left for each platform",
	Long: `harvest looks for <platform>_cookies_*.json files in dir, which defaults
to the crawler's data directory, and caches the newest one of every platform.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, _, err := openCache()
		if err != nil {
			return err
		}
		defer func() { _ = cache.Close() }()
		dir := service.ArtifactDir(config.Crawler)
		if len(args) == 1 {
			dir = args[0]
		}
		return harvestCookies(cmd.Context(), cmd.OutOrStdout(), cache, dir)
	},
}

func init() {
	cookiesCmd.AddCommand(cookiesListCmd)
	cookiesCmd.AddCommand(cookiesClearCmd)
	cookiesCmd.AddCommand(cookiesHarvestCmd)
}

func openCache() (*credential.Cache, time.Duration, error) {
	maxAge, err := config.Cookies.MaxAgeDuration()
	if err != nil {
		return nil, 0, err
	}
	cache, err := credential.NewCache(config.Cookies.Dir)
	return cache, maxAge, err
}

func listCookies(ctx context.Context, w io.Writer, cache *credential.Cache, maxAge time.Duration) error {
	list, err := cache.List(ctx)
	if err != nil {
		return err
	}
	keys := make([]model.Platform, 0, len(list))
	for p := range list {
		keys = append(keys, p)
	}
	slices.Sort(keys)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLATFORM\tSAVED\tAGE (DAYS)\tVALID\tTASK")
	for _, p := range keys {
		info := list[p]
		st := cache.Status(ctx, p, maxAge)
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%t\t%s\n", p, info.SavedDate, info.AgeDays, st.IsValid, info.JobID)
	}
	return tw.Flush()
}

func clearCookies(ctx context.Context, w io.Writer, cache *credential.Cache, args []string) error {
	targets := make([]model.Platform, 0, len(args))
	for _, a := range args {
		d, err := platform.Lookup(model.Platform(a))
		if err != nil {
			return err
		}
		targets = append(targets, d.ID)
	}
	if len(targets) == 0 {
		if err := cache.Clear(ctx, ""); err != nil {
			return err
		}
		fmt.Fprintln(w, "cleared all platforms")
		return nil
	}
	for _, p := range targets {
		if err := cache.Clear(ctx, p); err != nil {
			return fmt.Errorf("clearing %s: %w", p, err)
		}
		fmt.Fprintf(w, "cleared %s\n", p)
	}
	return nil
}

func harvestCookies(ctx context.Context, w io.Writer, cache *credential.Cache, dir string) error {
	found, err := cache.HarvestAll(ctx, dir, platforms())
	keys := make([]model.Platform, 0, len(found))
	for p := range found {
		keys = append(keys, p)
	}
	slices.Sort(keys)
	for _, p := range keys {
		fmt.Fprintf(w, "%s\t%s\n", p, found[p])
	}
	if len(found) == 0 && err == nil {
		fmt.Fprintf(w, "no cookie files in %s\n", dir)
	}
	return err
}
