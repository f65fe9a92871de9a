package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrNotStarted = errors.New("crawler not started")
	ErrInProgress = errors.New("crawler in progress")
)

const (
	maxLine = 1 << 20
	// orphans of a killed process may keep the pipes open
	drainDelay = 2 * time.Second
)

// LineFunc receives one non empty output line, stripped of surrounding
// whitespace.
type LineFunc func(ctx context.Context, line string)

type Runner struct {
	mx     sync.RWMutex
	cmd    *exec.Cmd
	result Result
	waits  []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Dir     string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Stderr  []string
	Err     error
}

// ExitCode returns the exit code of a finished process or -1.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Start runs the process and returns once it has been spawned. Both output
// streams are read line by line by two goroutines which are joined before
// the process is reaped. Every stdout line is kept in Result.Stdout, every
// stderr line in Result.Stderr. The process is killed when ctx is done.
func (r *Runner) Start(ctx context.Context, proto Command, stdoutFunc, stderrFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Dir:  proto.Dir,
	}

	var cancel context.CancelFunc = func() {}
	if proto.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return err
	}

	var buf bytes.Buffer
	r.result.Stdout = &buf
	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	r.cmd = cmd

	var (
		g      errgroup.Group
		errBuf []string
	)
	g.Go(func() error {
		return drain(ctx, stdout, func(ctx context.Context, line string) {
			buf.WriteString(line)
			buf.WriteByte('\n')
			if stdoutFunc != nil {
				stdoutFunc(ctx, line)
			}
		})
	})
	g.Go(func() error {
		return drain(ctx, stderr, func(ctx context.Context, line string) {
			errBuf = append(errBuf, line)
			if stderrFunc != nil {
				stderrFunc(ctx, line)
			}
		})
	})

	go func() {
		defer cancel()
		r.wait(ctx, cmd, &g, []io.Closer{stdout, stderr}, &errBuf)
	}()
	return nil
}

func drain(ctx context.Context, rd io.Reader, fn LineFunc) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fn(ctx, line)
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "reading crawler output", "error", err)
		return err
	}
	return nil
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, g *errgroup.Group, pipes []io.Closer, errBuf *[]string) {
	drained := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		select {
		case <-drained:
		case <-time.After(drainDelay):
			for _, p := range pipes {
				_ = p.Close()
			}
			<-drained
		}
	}

	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Stderr = *errBuf
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// WaitChan returns a channel receiving the result of the running process.
// The channel is closed afterwards. If nothing runs, the last result is
// delivered immediately.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// Result returns the last result, or one with ErrNotStarted when nothing
// has been run yet.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd != nil {
		return Result{Path: r.result.Path, Args: r.result.Args, Started: r.result.Started, Err: ErrInProgress}
	}
	return r.result
}
