package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediacrawler/harvester/internal/credential"
	"github.com/mediacrawler/harvester/internal/journal"
	"github.com/mediacrawler/harvester/internal/log"
	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/platform"
	"github.com/mediacrawler/harvester/internal/progress"
	"github.com/mediacrawler/harvester/internal/store"
)

const (
	MsgStopped    = "manually stopped"
	outputTail    = 20
	stderrInError = 10
)

// Options configure an Orchestrator.
type Options struct {
	Crawler model.Crawler
	// MaxAge bounds the age of a cached credential passed to the crawler.
	MaxAge time.Duration
	// Env is the environment layer of the crawler configuration.
	Env *model.Overrides
}

// Orchestrator owns the lifecycle of collection jobs: it launches the
// crawler, feeds its output into the job journal and stores the result.
type Orchestrator struct {
	opts     Options
	jobs     *store.Table[*Job]
	journals *journal.Registry
	cache    *credential.Cache
	archive  *store.Archive
	wg       sync.WaitGroup
}

// Job is the in-memory handle of one submitted job.
type Job struct {
	job     model.CollectionJob
	created time.Time
	journal *journal.Journal
	cancel  context.CancelFunc
	done    chan struct{}

	mx     sync.Mutex
	result *model.JobResult
	runner *Runner
}

func (h *Job) setRunner(r *Runner) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.runner = r
}

// crawlerStarted returns when the crawler process of the job was spawned,
// or nil when no process is running.
func (h *Job) crawlerStarted() *time.Time {
	h.mx.Lock()
	r := h.runner
	h.mx.Unlock()
	if r == nil {
		return nil
	}
	res := r.Result()
	if !errors.Is(res.Err, ErrInProgress) || res.Started.IsZero() {
		return nil
	}
	return &res.Started
}

// finish stores res unless a result already exists. It reports whether res
// was stored.
func (h *Job) finish(res model.JobResult) bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.result != nil {
		return false
	}
	h.result = &res
	return true
}

func (h *Job) Result() *model.JobResult {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.result == nil {
		return nil
	}
	res := *h.result
	return &res
}

// NewOrchestrator creates an orchestrator. Nil tables are created, the
// cache and the archive are optional.
func NewOrchestrator(opts Options, jobs *store.Table[*Job], journals *journal.Registry, cache *credential.Cache, archive *store.Archive) *Orchestrator {
	if opts.MaxAge <= 0 {
		opts.MaxAge = credential.DefaultMaxAge
	}
	if jobs == nil {
		jobs = store.NewTable[*Job]()
	}
	if journals == nil {
		journals = journal.NewRegistry()
	}
	return &Orchestrator{
		opts:     opts,
		jobs:     jobs,
		journals: journals,
		cache:    cache,
		archive:  archive,
	}
}

// Submit validates job, registers it and starts it in the background. It
// returns the job id, generated unless the caller provided one.
func (o *Orchestrator) Submit(ctx context.Context, job model.CollectionJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	desc, err := platform.Lookup(job.Platform)
	if err != nil {
		return "", err
	}
	if _, err := desc.IdentifierFlag(job.Type); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	// the job outlives the request which submitted it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = log.WithJob(runCtx, job.ID, string(job.Platform))
	h := &Job{
		job:     job,
		created: time.Now().UTC(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if err := o.jobs.Insert(job.ID, h); err != nil {
		cancel()
		return "", &model.ValidationError{Field: "job_id", Reason: fmt.Sprintf("job %s already exists", job.ID)}
	}
	h.journal = o.journals.Create(runCtx, job.ID, job.Platform)

	if o.archive != nil {
		if err := o.archive.Start(runCtx, job); err != nil {
			slog.WarnContext(runCtx, "archiving job start failed", "error", err)
		}
	}

	o.wg.Go(func() {
		defer close(h.done)
		defer cancel()
		o.execute(runCtx, h, desc)
	})
	return job.ID, nil
}

func (o *Orchestrator) execute(ctx context.Context, h *Job, desc platform.Descriptor) {
	job := h.job
	j := h.journal
	j.Log(ctx, model.EventTaskStarted,
		fmt.Sprintf("crawler task started: platform=%s, type=%s", job.Platform, job.Type),
		map[string]any{
			"platform":     string(job.Platform),
			"task_type":    string(job.Type),
			"targets":      job.TargetList(),
			"max_count":    job.Limits.MaxItems,
			"max_comments": job.Limits.MaxComments,
		}, nil)

	cfg := desc.Resolve(o.opts.Env, job)
	j.Update(ctx, model.ProgressUpdate{
		Stage:   journal.StageInitializing,
		Percent: model.Float(5),
		Message: "preparing crawler",
	})

	cookies := o.credentials(ctx, h)
	args, err := Args(desc, job, cfg, cookies)
	if err != nil {
		o.fail(ctx, h, fmt.Sprintf("building crawler arguments: %v", err), nil)
		return
	}
	if ctx.Err() != nil {
		return
	}

	runner := NewRunner()
	h.setRunner(runner)
	cmd := Cmd(o.opts.Crawler, args)
	onStdout := func(ctx context.Context, line string) {
		progress.Apply(ctx, j, line)
	}
	onStderr := func(ctx context.Context, line string) {
		j.Log(ctx, model.EventCrawlerError, "crawler stderr: "+line, nil, nil)
	}
	if err := runner.Start(ctx, cmd, onStdout, onStderr); err != nil {
		lerr := &model.LaunchError{Op: "starting crawler", Err: err}
		o.fail(ctx, h, lerr.Error(), nil)
		return
	}
	j.Update(ctx, model.ProgressUpdate{
		Stage:   progress.StageStarting,
		Percent: model.Float(10),
		Message: "crawler process started",
	})

	res := <-runner.WaitChan()
	if ctx.Err() != nil {
		slog.DebugContext(ctx, "crawler stopped", "exit_code", res.ExitCode())
		return
	}
	if res.Err != nil || res.ExitCode() != 0 {
		msg := fmt.Sprintf("crawler exited with code %d", res.ExitCode())
		if tail := lastLines(res.Stderr, stderrInError); len(tail) > 0 {
			msg += ": " + strings.Join(tail, "\n")
		} else if res.Err != nil {
			msg += ": " + res.Err.Error()
		}
		o.fail(ctx, h, msg, res.Stderr)
		return
	}

	stdout := res.Stdout.String()
	count := progress.FinalCount(stdout)
	o.harvest(ctx, h)
	j.Log(ctx, model.EventDataExtracted, fmt.Sprintf("crawler finished, %d items collected", count),
		map[string]any{"final_data_count": count}, nil)
	j.Update(ctx, model.ProgressUpdate{
		Stage:   progress.StageCompleted,
		Percent: model.Float(100),
		Message: "crawler task completed",
	})

	result := model.JobResult{
		JobID:      job.ID,
		Success:    true,
		Message:    fmt.Sprintf("crawler task completed, %d items collected", count),
		ItemCount:  count,
		ErrorCount: len(res.Stderr),
		Payload: map[string]any{
			"config":   cfg,
			"duration": res.Stopped.Sub(res.Started).Seconds(),
			"output":   lastLines(strings.Split(strings.TrimRight(stdout, "\n"), "\n"), outputTail),
		},
		Errors: res.Stderr,
	}
	o.store(ctx, h, result, model.EventTaskCompleted, nil)
}

// credentials evicts or loads the cached credential of the job platform.
func (o *Orchestrator) credentials(ctx context.Context, h *Job) string {
	if o.cache == nil {
		return ""
	}
	p := h.job.Platform
	if h.job.ClearCredentials {
		if err := o.cache.Clear(ctx, p); err != nil {
			slog.WarnContext(ctx, "clearing cached credentials failed", "error", err)
		}
		h.journal.Log(ctx, model.EventCrawlerLogin, "cached credentials cleared, login required", nil, nil)
		return ""
	}
	blob, ok := o.cache.Load(ctx, p, o.opts.MaxAge)
	if !ok {
		h.journal.Log(ctx, model.EventCrawlerLogin, "no valid cached credentials, login required", nil, nil)
		return ""
	}
	h.journal.Log(ctx, model.EventCrawlerLogin, "using cached credentials", nil, nil)
	return blob
}

// harvest copies a credential artifact written by the crawler into the
// cache. Failures never fail the job.
func (o *Orchestrator) harvest(ctx context.Context, h *Job) {
	if o.cache == nil {
		return
	}
	path, err := o.cache.Harvest(ctx, ArtifactDir(o.opts.Crawler), h.job.Platform, h.job.ID)
	switch {
	case errors.Is(err, credential.ErrNoArtifact):
		slog.DebugContext(ctx, "crawler wrote no credential artifact")
	case errors.Is(err, credential.ErrStale):
		slog.DebugContext(ctx, "cached credential is newer than the crawler's", "error", err)
	case err != nil:
		slog.WarnContext(ctx, "harvesting credentials failed", "error", err)
	default:
		h.journal.Log(ctx, model.EventCrawlerLogin, "credentials refreshed from crawler",
			map[string]any{"path": path}, nil)
	}
}

func (o *Orchestrator) fail(ctx context.Context, h *Job, msg string, stderr []string) {
	res := model.JobResult{
		JobID:      h.job.ID,
		Success:    false,
		Message:    msg,
		ErrorCount: max(len(stderr), 1),
		Errors:     stderr,
	}
	o.store(ctx, h, res, model.EventTaskFailed, errors.New(msg))
}

func (o *Orchestrator) store(ctx context.Context, h *Job, res model.JobResult, typ model.EventType, err error) {
	if !h.finish(res) {
		return
	}
	h.journal.Seal(ctx, typ, res.Message, map[string]any{
		"success":    res.Success,
		"data_count": res.ItemCount,
	}, err)
	o.archiveResult(ctx, res)
}

func (o *Orchestrator) archiveResult(ctx context.Context, res model.JobResult) {
	if o.archive == nil {
		return
	}
	if err := o.archive.Finish(context.WithoutCancel(ctx), res); err != nil {
		slog.WarnContext(ctx, "archiving job result failed", "error", err)
	}
}

// Cancel stops a running job. It returns false for unknown or finished
// jobs. The job result is stored immediately and nothing is logged to the
// journal afterwards.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) bool {
	h, ok := o.jobs.Get(jobID)
	if !ok {
		return false
	}
	ctx = log.WithJob(ctx, jobID, string(h.job.Platform))
	res := model.JobResult{
		JobID:   jobID,
		Success: false,
		Message: MsgStopped,
	}
	if !h.finish(res) {
		return false
	}
	h.cancel()
	h.journal.Seal(ctx, model.EventTaskStopped, MsgStopped, nil, nil)
	o.archiveResult(ctx, res)
	return true
}

// Status returns the state of a job. Jobs evicted from memory are looked
// up in the archive.
func (o *Orchestrator) Status(ctx context.Context, jobID string) model.JobStatus {
	h, ok := o.jobs.Get(jobID)
	if !ok {
		return o.archivedStatus(ctx, jobID)
	}
	snap := h.journal.Progress()
	st := model.JobStatus{
		JobID:    jobID,
		State:    model.JobRunning,
		Progress: &snap,
	}
	if res := h.Result(); res != nil {
		st.State = model.JobCompleted
		st.Done = true
		st.Success = model.Bool(res.Success)
		st.Message = res.Message
		st.Items = res.ItemCount
		st.Errors = res.ErrorCount
	}
	return st
}

func (o *Orchestrator) archivedStatus(ctx context.Context, jobID string) model.JobStatus {
	st := model.JobStatus{JobID: jobID, State: model.JobNotFound}
	if o.archive == nil {
		return st
	}
	row, err := o.archive.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "reading archived job failed", "job_id", jobID, "error", err)
		}
		return st
	}
	if row.Result == nil {
		// started by a previous process which never finished it
		return st
	}
	st.State = model.JobCompleted
	st.Done = true
	st.Success = model.Bool(row.Result.Success)
	st.Message = row.Result.Message
	st.Items = row.Result.ItemCount
	st.Errors = row.Result.ErrorCount
	return st
}

// Result returns the result of a finished job, nil for a running one and
// ErrNotFound for an unknown one.
func (o *Orchestrator) Result(ctx context.Context, jobID string) (*model.JobResult, error) {
	if h, ok := o.jobs.Get(jobID); ok {
		return h.Result(), nil
	}
	if o.archive == nil {
		return nil, model.ErrNotFound
	}
	row, err := o.archive.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if row.Result == nil {
		return nil, model.ErrNotFound
	}
	return row.Result, nil
}

// Events returns the newest limit events of a job, oldest first.
func (o *Orchestrator) Events(jobID string, limit int) ([]model.TaskEvent, error) {
	events := o.journals.Events(jobID, limit)
	if events == nil {
		return nil, model.ErrNotFound
	}
	return events, nil
}

// Journal exposes the journal of a known job for subscribers.
func (o *Orchestrator) Journal(jobID string) (*journal.Journal, bool) {
	return o.journals.Get(jobID)
}

// Done returns a channel closed when the job goroutine has returned.
func (o *Orchestrator) Done(jobID string) (<-chan struct{}, bool) {
	h, ok := o.jobs.Get(jobID)
	if !ok {
		return nil, false
	}
	return h.done, true
}

type RunningJob struct {
	JobID     string                 `json:"task_id"`
	Platform  model.Platform         `json:"platform"`
	Type      model.JobType          `json:"task_type"`
	CreatedAt time.Time              `json:"created_at"`
	Progress  model.ProgressSnapshot `json:"progress"`
	// CrawlerStartedAt is set while the crawler process runs.
	CrawlerStartedAt *time.Time `json:"crawler_started_at,omitempty"`
}

// ListRunning returns the jobs without a result, oldest first.
func (o *Orchestrator) ListRunning() []RunningJob {
	var out []RunningJob
	for _, h := range o.jobs.Values() {
		if h.Result() != nil {
			continue
		}
		out = append(out, RunningJob{
			JobID:     h.job.ID,
			Platform:  h.job.Platform,
			Type:      h.job.Type,
			CreatedAt:        h.created,
			Progress:         h.journal.Progress(),
			CrawlerStartedAt: h.crawlerStarted(),
		})
	}
	return out
}

type Stats struct {
	Running     int           `json:"running_tasks"`
	Completed   int           `json:"completed_tasks"`
	Successful  int           `json:"successful_tasks"`
	Failed      int           `json:"failed_tasks"`
	TotalItems  int           `json:"total_data_count"`
	TotalErrors int           `json:"total_error_count"`
	Journals    journal.Stats `json:"journals"`
}

func (o *Orchestrator) Stats() Stats {
	var s Stats
	for _, h := range o.jobs.Values() {
		res := h.Result()
		if res == nil {
			s.Running++
			continue
		}
		s.Completed++
		if res.Success {
			s.Successful++
		} else {
			s.Failed++
		}
		s.TotalItems += res.ItemCount
		s.TotalErrors += res.ErrorCount
	}
	s.Journals = o.journals.Stats()
	return s
}

// Cleanup keeps the newest keep finished jobs and forgets the older ones
// together with their journals. It returns the number of removed jobs.
func (o *Orchestrator) Cleanup(ctx context.Context, keep int) int {
	removed := o.jobs.Prune(keep, func(h *Job) bool {
		select {
		case <-h.done:
			return true
		default:
			return false
		}
	})
	for _, id := range removed {
		o.journals.Delete(id)
	}
	if len(removed) > 0 {
		slog.InfoContext(ctx, "finished jobs cleaned up", "removed", len(removed), "kept", keep)
	}
	return len(removed)
}

// Close stops all running jobs and waits for them.
func (o *Orchestrator) Close(ctx context.Context) {
	for _, h := range o.jobs.Values() {
		if h.Result() == nil {
			o.Cancel(ctx, h.job.ID)
		}
	}
	o.wg.Wait()
}

func lastLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
