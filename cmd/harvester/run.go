package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"

	"github.com/mediacrawler/harvester/internal/log"
	"github.com/mediacrawler/harvester/internal/model"
)

const eventPoll = 200 * time.Millisecond

var runFlags struct {
	job         string
	platform    string
	jobType     string
	keywords    []string
	contentIDs  []string
	creatorIDs  []string
	maxItems    int
	maxComments int
	saveMode    string
	headful     bool
	cookies     string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run executes one crawler job, streams its events as JSON lines and exits",
	Example: `  harvester run --platform xhs --type search --keywords coffee,tea
  harvester run --job job.jsonc`,
	RunE: doRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.job, "job", "", "job file (JSON with comments); flags are ignored when set")
	f.StringVar(&runFlags.platform, "platform", "", "platform: xhs, dy, ks, bili, wb, tieba, zhihu")
	f.StringVar(&runFlags.jobType, "type", string(model.JobSearch), "job type: search, detail, creator")
	f.StringSliceVar(&runFlags.keywords, "keywords", nil, "search keywords")
	f.StringSliceVar(&runFlags.contentIDs, "content-ids", nil, "content ids or urls for detail jobs")
	f.StringSliceVar(&runFlags.creatorIDs, "creator-ids", nil, "creator ids for creator jobs")
	f.IntVar(&runFlags.maxItems, "max-items", 100, "maximum number of items")
	f.IntVar(&runFlags.maxComments, "max-comments", 50, "maximum comments per item")
	f.StringVar(&runFlags.saveMode, "save", string(model.SaveDB), "save mode: db, json, csv")
	f.BoolVar(&runFlags.headful, "headful", false, "show the crawler browser")
	f.StringVar(&runFlags.cookies, "cookies", "", "credential blob cached for the platform before the run")
}

func flagJob() model.CollectionJob {
	job := model.DefaultJob()
	job.Platform = model.Platform(runFlags.platform)
	job.Type = model.JobType(runFlags.jobType)
	job.Targets = model.Targets{
		Keywords:   runFlags.keywords,
		ContentIDs: runFlags.contentIDs,
		CreatorIDs: runFlags.creatorIDs,
	}
	job.Limits = model.Limits{MaxItems: runFlags.maxItems, MaxComments: runFlags.maxComments}
	job.Flags.Headless = !runFlags.headful
	job.SaveMode = model.SaveMode(runFlags.saveMode)
	return job
}

// readJob decodes a job file. Comments and trailing commas are allowed,
// unknown fields are not.
func readJob(r io.Reader) (model.CollectionJob, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return model.CollectionJob{}, err
	}
	job := model.DefaultJob()
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(b)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		return model.CollectionJob{}, fmt.Errorf("decoding job: %w", err)
	}
	return job, nil
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("harvester",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	job := flagJob()
	if runFlags.job != "" {
		f, err := os.Open(runFlags.job)
		if err != nil {
			return err
		}
		job, err = readJob(f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", runFlags.job, err)
		}
	}

	a, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			slog.ErrorContext(ctx, "shutdown", "err", err)
		}
	}()

	if runFlags.cookies != "" {
		if err := a.cache.Save(ctx, job.Platform, runFlags.cookies, ""); err != nil {
			return err
		}
	}

	id, err := a.jobs.Submit(ctx, job)
	if err != nil {
		return err
	}
	res, err := follow(ctx, a, id, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if !res.Success {
		return exitError(1)
	}
	return nil
}

// follow prints the events of job id as JSON lines until the job is done
// and returns its result. Cancelling ctx stops the job.
func follow(ctx context.Context, a *app, id string, w io.Writer) (model.JobResult, error) {
	done, ok := a.jobs.Done(id)
	if !ok {
		return model.JobResult{}, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	enc := json.NewEncoder(w)
	printed := 0
	flush := func() error {
		events, err := a.jobs.Events(id, 0)
		if err != nil {
			return err
		}
		for _, ev := range events[min(printed, len(events)):] {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		printed = max(printed, len(events))
		return nil
	}

	tick := time.NewTicker(eventPoll)
	defer tick.Stop()
	for running := true; running; {
		select {
		case <-ctx.Done():
			a.jobs.Cancel(context.WithoutCancel(ctx), id)
			<-done
			running = false
		case <-done:
			running = false
		case <-tick.C:
		}
		if err := flush(); err != nil {
			return model.JobResult{}, err
		}
	}

	res, err := a.jobs.Result(context.WithoutCancel(ctx), id)
	if err != nil {
		return model.JobResult{}, err
	}
	if res == nil {
		return model.JobResult{}, fmt.Errorf("job %s finished without a result", id)
	}
	return *res, enc.Encode(res)
}
