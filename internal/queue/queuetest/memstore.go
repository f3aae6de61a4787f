// Package queuetest provides an in-memory queue.JobStore for unit tests of
// code layered on the queue. A single mutex stands in for the database's
// row locks and unique index; integration tests in internal/store cover the
// real concurrency behavior.
package queuetest

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/agentq/internal/agentjob"
)

// MemStore is an in-memory agent job store.
type MemStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*agentjob.Job
	now  func() time.Time

	// ClaimErr, when set, is returned by ClaimNextAgentJob.
	ClaimErr error
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	var last time.Time
	return &MemStore{
		jobs: make(map[uuid.UUID]*agentjob.Job),
		// Strictly increasing so FIFO order is deterministic.
		now: func() time.Time {
			t := time.Now()
			if !t.After(last) {
				t = last.Add(time.Microsecond)
			}
			last = t
			return t
		},
	}
}

// SetClaimErr sets or clears ClaimErr under the lock.
func (m *MemStore) SetClaimErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClaimErr = err
}

func (m *MemStore) EnqueueAgentJob(_ context.Context, n agentjob.NewJob) (uuid.UUID, error) {
	if err := n.Validate(); err != nil {
		return uuid.Nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ThreadID == n.ThreadID && j.Status.Active() {
			return uuid.Nil, fmt.Errorf("enqueue agent job for thread %s: %w", n.ThreadID, agentjob.ErrSlotConflict)
		}
	}
	now := m.now()
	j := &agentjob.Job{
		ID:             uuid.New(),
		ThreadID:       n.ThreadID,
		ProjectID:      n.ProjectID,
		RequestedBy:    n.RequestedBy,
		Mode:           n.Mode,
		Executor:       n.Executor,
		Model:          n.Model,
		Prompt:         n.Prompt,
		SystemPrompt:   n.SystemPrompt,
		Status:         agentjob.StatusQueued,
		ResultMessages: []string{},
		ResultChanges:  []agentjob.Change{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[j.ID] = j
	return j.ID, nil
}

func (m *MemStore) ClaimNextAgentJob(_ context.Context, ownerID string) (*agentjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	running := make(map[string]bool)
	var queued []*agentjob.Job
	for _, j := range m.jobs {
		switch j.Status {
		case agentjob.StatusRunning:
			running[j.ThreadID] = true
		case agentjob.StatusQueued:
			queued = append(queued, j)
		}
	}
	sort.Slice(queued, func(a, b int) bool { return queued[a].CreatedAt.Before(queued[b].CreatedAt) })
	for _, j := range queued {
		if running[j.ThreadID] {
			continue
		}
		m.markRunning(j, ownerID)
		return clone(j), nil
	}
	return nil, nil
}

func (m *MemStore) ClaimAgentJobByID(_ context.Context, id uuid.UUID, ownerID string, threadID *string) (*agentjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != agentjob.StatusQueued {
		return nil, nil
	}
	if threadID != nil && *threadID != j.ThreadID {
		return nil, nil
	}
	m.markRunning(j, ownerID)
	return clone(j), nil
}

func (m *MemStore) markRunning(j *agentjob.Job, ownerID string) {
	now := m.now()
	owner := ownerID
	j.Status = agentjob.StatusRunning
	j.OwnerID = &owner
	j.StartedAt = &now
	j.UpdatedAt = now
	j.RunError = nil
}

func (m *MemStore) CompleteAgentJob(_ context.Context, c agentjob.Completion) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[c.JobID]
	if !ok || j.Status != agentjob.StatusRunning {
		return false, nil
	}
	if c.ExpectedOwnerID != nil && (j.OwnerID == nil || *j.OwnerID != *c.ExpectedOwnerID) {
		return false, nil
	}
	now := m.now()
	rs := c.Result.Status
	j.Status = c.Status
	j.ResultStatus = &rs
	j.ResultMessages = append([]string{}, c.Result.Messages...)
	j.ResultChanges = append([]agentjob.Change{}, c.Result.Changes...)
	j.ResultError = c.Result.Error
	if re := c.ResolvedRunError(); re != nil {
		j.RunError = re
	}
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (m *MemStore) CancelAgentJob(_ context.Context, id uuid.UUID, reason *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !j.Status.Active() {
		return false, nil
	}
	now := m.now()
	rs := agentjob.StatusCancelled
	j.Status = agentjob.StatusCancelled
	j.ResultStatus = &rs
	j.ResultError = reason
	if reason != nil {
		j.RunError = reason
	}
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true, nil
}

func (m *MemStore) FailStaleRunningAgentJobs(_ context.Context, maxRunDuration time.Duration) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxRunDuration)
	var ids []uuid.UUID
	for _, j := range m.jobs {
		if j.Status != agentjob.StatusRunning || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		msg := "run exceeded max duration (lease expired)"
		rs := agentjob.StatusFailed
		j.Status = agentjob.StatusFailed
		j.ResultStatus = &rs
		if j.ResultError == nil {
			j.ResultError = &msg
		}
		j.RunError = &msg
		now := m.now()
		j.CompletedAt = &now
		j.UpdatedAt = now
		ids = append(ids, j.ID)
	}
	return ids, nil
}

// Backdate moves a job's started_at into the past so reaper tests do not sleep.
func (m *MemStore) Backdate(id uuid.UUID, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.StartedAt != nil {
		t := time.Now().Add(-d)
		j.StartedAt = &t
	}
}

func (m *MemStore) GetAgentJob(_ context.Context, id uuid.UUID) (*agentjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return clone(j), nil
}

func (m *MemStore) ActiveAgentJobForThread(_ context.Context, threadID string) (*agentjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ThreadID == threadID && j.Status.Active() {
			return clone(j), nil
		}
	}
	return nil, nil
}

func (m *MemStore) ListAgentJobs(_ context.Context, f agentjob.ListFilter) ([]agentjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agentjob.Job
	for _, j := range m.jobs {
		if f.ThreadID != "" && j.ThreadID != f.ThreadID {
			continue
		}
		if f.ProjectID != "" && j.ProjectID != f.ProjectID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, *clone(j))
	}
	sort.Slice(out, func(a, b int) bool { return before(&out[b], out[a].CreatedAt, out[a].ID) })
	if f.AfterCreatedAt != nil && f.AfterID != nil {
		i := 0
		for i < len(out) && !before(&out[i], *f.AfterCreatedAt, *f.AfterID) {
			i++
		}
		out = out[i:]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 25
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// before reports whether (j.CreatedAt, j.ID) sorts below (t, id).
func before(j *agentjob.Job, t time.Time, id uuid.UUID) bool {
	if !j.CreatedAt.Equal(t) {
		return j.CreatedAt.Before(t)
	}
	return bytes.Compare(j.ID[:], id[:]) < 0
}

func clone(j *agentjob.Job) *agentjob.Job {
	c := *j
	c.ResultMessages = append([]string{}, j.ResultMessages...)
	c.ResultChanges = append([]agentjob.Change{}, j.ResultChanges...)
	return &c
}
