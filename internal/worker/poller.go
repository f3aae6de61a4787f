// Package worker runs agent jobs in-process: a Poller claims queued jobs,
// executes them in their thread's workspace, and records the outcome.
//
// One Poller runs one job at a time. Several pollers (in one process or
// many) may share a queue; the store's claim protocol keeps them apart.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scarson/agentq/internal/agentjob"
	"github.com/scarson/agentq/internal/executor"
	"github.com/scarson/agentq/internal/workspace"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultReapInterval = time.Minute
)

// Queue is the subset of queue.Service the poller drives.
type Queue interface {
	ClaimNext(ctx context.Context, ownerID string) (*agentjob.Job, error)
	Complete(ctx context.Context, c agentjob.Completion) (bool, error)
	ReapStale(ctx context.Context, maxRunDuration time.Duration) (int, error)
}

// Executors resolves a job's executor name. *executor.Registry implements it.
type Executors interface {
	Lookup(name string) (executor.Executor, error)
}

// Config holds per-poller settings.
type Config struct {
	// OwnerID is written to claimed jobs and guards completions.
	OwnerID             string
	PollInterval        time.Duration
	AllowedCapabilities []string
	// MaxRunDuration bounds a single execution and drives the lease reaper.
	// Zero disables both.
	MaxRunDuration time.Duration
	ReapInterval   time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Poller claims and executes jobs until stopped.
type Poller struct {
	queue Queue
	execs Executors
	ws    workspace.Resolver
	cfg   Config
	log   *slog.Logger

	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPoller returns a Poller. Zero intervals take package defaults.
func NewPoller(q Queue, execs Executors, ws workspace.Resolver, cfg Config) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		queue:  q,
		execs:  execs,
		ws:     ws,
		cfg:    cfg,
		log:    log.With("owner_id", cfg.OwnerID),
		stopCh: make(chan struct{}),
	}
}

// Stop asks the loop to exit. A job already executing runs to completion
// and its result is recorded; no new job is claimed afterwards.
func (p *Poller) Stop() {
	p.stopped.Store(true)
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Start runs the poll loop, and the lease reaper when MaxRunDuration is set,
// until Stop is called or ctx is done. It returns once both have exited.
// Cancelling ctx stops claiming but does not abort a job already executing.
func (p *Poller) Start(ctx context.Context) {
	var wg sync.WaitGroup
	if p.cfg.MaxRunDuration > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runReaper(ctx)
		}()
	}

	p.log.Info("poller started", "poll_interval", p.cfg.PollInterval)
	p.runLoop(ctx)
	wg.Wait()
	p.log.Info("poller stopped")
}

func (p *Poller) runLoop(ctx context.Context) {
	for {
		if p.stopped.Load() || ctx.Err() != nil {
			return
		}
		worked, err := p.RunOnce(ctx)
		if err != nil {
			tickErrorsTotal.Inc()
			p.log.Error("poll tick failed", "err", err)
		}
		if worked {
			// Drain the backlog before sleeping.
			continue
		}
		if !p.wait(ctx, p.cfg.PollInterval) {
			return
		}
	}
}

// wait sleeps for d. It reports false if the poller should exit instead.
func (p *Poller) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	case <-timer.C:
		return !p.stopped.Load()
	}
}

// RunOnce claims at most one job and, if it got one, executes and completes
// it. It reports whether a job was claimed. Executor failures are recorded as
// failed results and are not returned; claim and completion errors are.
func (p *Poller) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.ClaimNext(ctx, p.cfg.OwnerID)
	if err != nil {
		return false, fmt.Errorf("claim next: %w", err)
	}
	if job == nil {
		return false, nil
	}
	claimsTotal.Inc()
	log := p.log.With("job_id", job.ID, "thread_id", job.ThreadID, "executor", job.Executor)
	log.Info("executing agent job", "mode", job.Mode)

	start := time.Now()
	res, runErr := p.execute(ctx, job)
	executionSeconds.Observe(time.Since(start).Seconds())

	owner := p.cfg.OwnerID
	c := agentjob.Completion{
		JobID:           job.ID,
		Status:          res.Status,
		Result:          res,
		ExpectedOwnerID: &owner,
	}
	if runErr != nil {
		log.Error("agent run failed", "err", runErr)
		msg := runErr.Error()
		c.RunnerError = &msg
	}

	ok, err := p.queue.Complete(context.WithoutCancel(ctx), c)
	if err != nil {
		return true, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if !ok {
		staleCompletionsTotal.Inc()
		log.Warn("completion rejected; job no longer owned by this poller")
		return true, nil
	}
	completionsTotal.WithLabelValues(string(c.Status)).Inc()
	log.Info("agent job finished", "status", c.Status, "duration", time.Since(start))
	return true, nil
}

// execute runs the job's executor. Any failure, including a panic, yields a
// failed result plus the error that caused it. The run is detached from ctx
// cancellation and bounded only by MaxRunDuration.
func (p *Poller) execute(ctx context.Context, job *agentjob.Job) (res agentjob.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("executor panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("executor panic: %v", r)
		}
		if err != nil {
			res = agentjob.FailedResult("Agent run failed: " + err.Error())
		}
	}()

	dir, err := p.ws.Resolve(job.ProjectID, job.ThreadID)
	if err != nil {
		return res, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := workspace.Ensure(dir); err != nil {
		return res, err
	}
	ex, err := p.execs.Lookup(job.Executor)
	if err != nil {
		return res, err
	}

	runCtx := context.WithoutCancel(ctx)
	if p.cfg.MaxRunDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, p.cfg.MaxRunDuration)
		defer cancel()
	}
	res, err = ex.Execute(runCtx, agentjob.NewExecRequest(job, dir, p.cfg.AllowedCapabilities))
	if err != nil {
		return res, err
	}
	if err := res.Validate(); err != nil {
		return res, err
	}
	if res.Messages == nil {
		res.Messages = []string{}
	}
	if res.Changes == nil {
		res.Changes = []agentjob.Change{}
	}
	return res, nil
}

// runReaper fails running jobs that outlived MaxRunDuration. Uses
// time.NewTicker (not time.After) to avoid timer leaks.
func (p *Poller) runReaper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	p.log.Info("lease reaper started",
		"max_run_duration", p.cfg.MaxRunDuration, "check_interval", p.cfg.ReapInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.queue.ReapStale(ctx, p.cfg.MaxRunDuration)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.log.Error("lease reaper failed", "err", err)
				}
				continue
			}
			if n > 0 {
				reapedTotal.Add(float64(n))
				p.log.Warn("failed expired agent runs", "count", n)
			}
		}
	}
}
