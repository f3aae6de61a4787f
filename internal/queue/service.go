// Package queue is the agent job service used by HTTP handlers, the
// in-process poller, and remote workers. It adds the bounded waits
// (enqueue-with-wait, await-completion) on top of the store's atomic
// operations; every correctness guarantee still comes from the store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/agentq/internal/agentjob"
)

// MinPollInterval is the floor applied to caller-supplied poll intervals.
const MinPollInterval = 25 * time.Millisecond

// JobStore is the durable store behind the service. *store.Store implements it.
type JobStore interface {
	EnqueueAgentJob(ctx context.Context, n agentjob.NewJob) (uuid.UUID, error)
	ClaimNextAgentJob(ctx context.Context, ownerID string) (*agentjob.Job, error)
	ClaimAgentJobByID(ctx context.Context, id uuid.UUID, ownerID string, threadID *string) (*agentjob.Job, error)
	CompleteAgentJob(ctx context.Context, c agentjob.Completion) (bool, error)
	CancelAgentJob(ctx context.Context, id uuid.UUID, reason *string) (bool, error)
	FailStaleRunningAgentJobs(ctx context.Context, maxRunDuration time.Duration) ([]uuid.UUID, error)
	GetAgentJob(ctx context.Context, id uuid.UUID) (*agentjob.Job, error)
	ActiveAgentJobForThread(ctx context.Context, threadID string) (*agentjob.Job, error)
	ListAgentJobs(ctx context.Context, f agentjob.ListFilter) ([]agentjob.Job, error)
}

// Service exposes enqueue, claim, completion, and wait operations.
type Service struct {
	store JobStore
	log   *slog.Logger
}

// New creates a Service backed by st. It logs to slog.Default() until
// SetLogger is called.
func New(st JobStore) *Service {
	return &Service{store: st, log: slog.Default()}
}

// SetLogger replaces the service logger. Call before the service is shared.
func (s *Service) SetLogger(l *slog.Logger) {
	if l != nil {
		s.log = l
	}
}

// Enqueue inserts a queued job. Fails with an error wrapping
// agentjob.ErrSlotConflict when the thread already has an active job.
func (s *Service) Enqueue(ctx context.Context, n agentjob.NewJob) (uuid.UUID, error) {
	id, err := s.store.EnqueueAgentJob(ctx, n)
	if err != nil {
		return uuid.Nil, err
	}
	s.log.InfoContext(ctx, "agent job enqueued",
		"job_id", id, "thread_id", n.ThreadID, "project_id", n.ProjectID, "mode", n.Mode)
	return id, nil
}

// EnqueueWithWait retries Enqueue every pollInterval while the thread's slot
// is occupied. After maxWait it fails with an error wrapping
// agentjob.ErrTimeout. Errors other than a slot conflict end the wait.
func (s *Service) EnqueueWithWait(ctx context.Context, n agentjob.NewJob, maxWait, pollInterval time.Duration) (uuid.UUID, error) {
	deadline := time.Now().Add(maxWait)
	attempts := 0
	for {
		attempts++
		id, err := s.Enqueue(ctx, n)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, agentjob.ErrSlotConflict) {
			return uuid.Nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.log.WarnContext(ctx, "enqueue wait exhausted",
				"thread_id", n.ThreadID, "attempts", attempts, "max_wait", maxWait)
			return uuid.Nil, fmt.Errorf("thread %s still busy after %s: %w", n.ThreadID, maxWait, agentjob.ErrTimeout)
		}
		if err := sleepCtx(ctx, clampInterval(pollInterval, remaining)); err != nil {
			return uuid.Nil, err
		}
	}
}

// ClaimNext claims the oldest eligible queued job for ownerID, or returns nil.
func (s *Service) ClaimNext(ctx context.Context, ownerID string) (*agentjob.Job, error) {
	job, err := s.store.ClaimNextAgentJob(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if job != nil {
		s.log.InfoContext(ctx, "agent job claimed",
			"job_id", job.ID, "thread_id", job.ThreadID, "owner_id", ownerID)
	}
	return job, nil
}

// ClaimByID claims a known job for ownerID. A nil job with a nil error means
// another claimant won, the job is terminal, or it does not exist.
func (s *Service) ClaimByID(ctx context.Context, id uuid.UUID, ownerID string, threadID *string) (*agentjob.Job, error) {
	job, err := s.store.ClaimAgentJobByID(ctx, id, ownerID, threadID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		s.log.DebugContext(ctx, "agent job claim by id missed", "job_id", id, "owner_id", ownerID)
		return nil, nil
	}
	s.log.InfoContext(ctx, "agent job claimed by id",
		"job_id", id, "thread_id", job.ThreadID, "owner_id", ownerID)
	return job, nil
}

// Complete records the terminal outcome of a running job. Returns false when
// the job was already terminal or has been reclaimed by another owner.
func (s *Service) Complete(ctx context.Context, c agentjob.Completion) (bool, error) {
	ok, err := s.store.CompleteAgentJob(ctx, c)
	if err != nil {
		return false, err
	}
	if ok {
		s.log.InfoContext(ctx, "agent job completed", "job_id", c.JobID, "status", c.Status)
	}
	return ok, nil
}

// Cancel moves a queued or running job to cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason *string) (bool, error) {
	ok, err := s.store.CancelAgentJob(ctx, id, reason)
	if err != nil {
		return false, err
	}
	if ok {
		s.log.InfoContext(ctx, "agent job cancelled", "job_id", id)
	}
	return ok, nil
}

// ReapStale fails running jobs older than maxRunDuration and returns how many.
func (s *Service) ReapStale(ctx context.Context, maxRunDuration time.Duration) (int, error) {
	ids, err := s.store.FailStaleRunningAgentJobs(ctx, maxRunDuration)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.log.WarnContext(ctx, "agent job lease expired", "job_id", id, "max_run_duration", maxRunDuration)
	}
	return len(ids), nil
}

// Get returns the job or nil when it does not exist.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*agentjob.Job, error) {
	return s.store.GetAgentJob(ctx, id)
}

// ActiveForThread returns the thread's queued or running job, or nil.
func (s *Service) ActiveForThread(ctx context.Context, threadID string) (*agentjob.Job, error) {
	return s.store.ActiveAgentJobForThread(ctx, threadID)
}

// List returns a page of jobs, newest first.
func (s *Service) List(ctx context.Context, f agentjob.ListFilter) ([]agentjob.Job, error) {
	return s.store.ListAgentJobs(ctx, f)
}

// AwaitCompletion polls until the job is terminal or maxWait elapses. The
// first read happens immediately. Returns (nil, nil) both when the job does
// not exist and when the wait times out; callers tell these apart with Get.
// Cancelled jobs come back as a failed-shaped result.
func (s *Service) AwaitCompletion(ctx context.Context, id uuid.UUID, maxWait, pollInterval time.Duration) (*agentjob.Result, error) {
	deadline := time.Now().Add(maxWait)
	for {
		job, err := s.store.GetAgentJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, nil
		}
		if r, ok := job.Result(); ok {
			r = r.ForSuccessFailureCaller()
			return &r, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := sleepCtx(ctx, clampInterval(pollInterval, remaining)); err != nil {
			return nil, err
		}
	}
}

// clampInterval keeps the poll interval within [MinPollInterval, remaining]
// so the final sleep lands on the deadline instead of past it.
func clampInterval(interval, remaining time.Duration) time.Duration {
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	if interval > remaining {
		interval = remaining
	}
	return interval
}

// sleepCtx waits for d or until ctx is done. Uses time.NewTimer (not
// time.After) so the timer is released on early return.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
