package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/mediacrawler/harvester/internal/model"
)

// Janitor runs the retention cleanup of an orchestrator on a schedule.
type Janitor struct {
	scheduler gocron.Scheduler
}

// NewJanitor schedules o.Cleanup(keep) according to r.Schedule.
func NewJanitor(ctx context.Context, o *Orchestrator, r model.Retention) (*Janitor, error) {
	if r.Keep < 1 {
		return nil, fmt.Errorf("retention.keep must be positive, got %d", r.Keep)
	}
	schedule, err := model.ParseSchedule(r.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing retention.schedule: %w", err)
	}
	s, err := newScheduler(ctx, schedule, func() {
		o.Cleanup(ctx, r.Keep)
	})
	if err != nil {
		return nil, err
	}
	return &Janitor{scheduler: s}, nil
}

// Run starts the scheduler and blocks until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a janitor")
	j.scheduler.Start()
	<-ctx.Done()
	if err := j.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutting down gocron: %w", err)
	}
	return nil
}

func newScheduler(ctx context.Context, schedule model.Schedule, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case schedule.Cron != "":
		job = gocron.CronJob(schedule.Cron, false)
	case schedule.Every > 0:
		job = gocron.DurationJob(schedule.Every)
	default:
		return nil, errors.New("both cron and duration are empty")
	}
	slog.DebugContext(ctx, "successfully parsed", "schedule", schedule.String())

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(job, gocron.NewTask(task))
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
