// ABOUTME: Store methods for the agent_jobs queue: enqueue, claim, complete, cancel, reap, read.
// ABOUTME: Every state change is a guarded UPDATE so concurrent processes cannot violate the lifecycle.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/scarson/agentq/internal/agentjob"
)

// activeThreadIndex is the partial unique index that holds the one-active-job-per-thread invariant.
const activeThreadIndex = "agent_jobs_one_active_per_thread"

// StaleRunError is written to run_error when the reaper fails a job whose lease expired.
const StaleRunError = "run exceeded max duration (lease expired)"

const agentJobColumns = `id, thread_id, project_id, requested_by, mode, executor, model, prompt, system_prompt,
	status, owner_id, result_status, result_messages, result_changes, result_error, run_error,
	created_at, started_at, completed_at, updated_at`

const insertAgentJobSQL = `
INSERT INTO agent_jobs (id, thread_id, project_id, requested_by, mode, executor, model, prompt, system_prompt)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// selectNextQueuedSQL picks the oldest queued job whose thread has nothing
// running. SKIP LOCKED lets concurrent pollers pass over a row another
// transaction is claiming instead of blocking on it.
const selectNextQueuedSQL = `
SELECT j.id
FROM agent_jobs j
WHERE j.status = 'queued'
  AND NOT EXISTS (
      SELECT 1 FROM agent_jobs r
      WHERE r.thread_id = j.thread_id AND r.status = 'running'
  )
ORDER BY j.created_at, j.id
LIMIT 1
FOR UPDATE OF j SKIP LOCKED`

const markRunningSQL = `
UPDATE agent_jobs
SET status = 'running', owner_id = $2, started_at = now(), updated_at = now(), run_error = NULL
WHERE id = $1 AND status = 'queued'
RETURNING ` + agentJobColumns

const claimByIDSQL = `
UPDATE agent_jobs
SET status = 'running', owner_id = $2, started_at = now(), updated_at = now(), run_error = NULL
WHERE id = $1 AND status = 'queued' AND ($3::text IS NULL OR thread_id = $3::text)
RETURNING ` + agentJobColumns

// completeSQL writes the terminal state. run_error follows COALESCE
// semantics: a supplied value wins, an absent one keeps what is stored.
const completeSQL = `
UPDATE agent_jobs
SET status          = $2,
    result_status   = $3,
    result_messages = $4::text[],
    result_changes  = $5::jsonb,
    result_error    = $6,
    run_error       = COALESCE($7::text, run_error),
    completed_at    = now(),
    updated_at      = now()
WHERE id = $1
  AND status = 'running'
  AND ($8::text IS NULL OR owner_id = $8::text)`

const cancelSQL = `
UPDATE agent_jobs
SET status        = 'cancelled',
    result_status = 'cancelled',
    result_error  = $2,
    run_error     = COALESCE($2::text, run_error),
    completed_at  = now(),
    updated_at    = now()
WHERE id = $1 AND status IN ('queued', 'running')`

const failStaleRunningSQL = `
UPDATE agent_jobs
SET status        = 'failed',
    result_status = 'failed',
    result_error  = COALESCE(result_error, $2::text),
    run_error     = $2::text,
    completed_at  = now(),
    updated_at    = now()
WHERE status = 'running'
  AND started_at < now() - ($1::double precision * interval '1 second')
RETURNING id`

// EnqueueAgentJob inserts a queued job and returns its ID. Returns an error
// wrapping agentjob.ErrSlotConflict when the thread already has a queued or
// running job; no row is written in that case.
func (s *Store) EnqueueAgentJob(ctx context.Context, n agentjob.NewJob) (uuid.UUID, error) {
	if err := n.Validate(); err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	_, err := s.pool.Exec(ctx, insertAgentJobSQL,
		id,
		n.ThreadID,
		n.ProjectID,
		n.RequestedBy,
		string(n.Mode),
		n.Executor,
		n.Model,
		n.Prompt,
		n.SystemPrompt,
	)
	if err != nil {
		if isUniqueViolation(err, activeThreadIndex) {
			return uuid.Nil, fmt.Errorf("enqueue agent job for thread %s: %w", n.ThreadID, agentjob.ErrSlotConflict)
		}
		return uuid.Nil, fmt.Errorf("enqueue agent job: %w", err)
	}
	return id, nil
}

// ClaimNextAgentJob atomically moves the oldest eligible queued job to
// running, owned by ownerID. Returns (nil, nil) when nothing is eligible.
func (s *Store) ClaimNextAgentJob(ctx context.Context, ownerID string) (*agentjob.Job, error) {
	var job *agentjob.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var id uuid.UUID
		if err := tx.QueryRow(ctx, selectNextQueuedSQL).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		j, err := scanAgentJob(tx.QueryRow(ctx, markRunningSQL, id, ownerID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next agent job: %w", err)
	}
	return job, nil
}

// ClaimAgentJobByID claims a specific queued job for ownerID. When threadID
// is non-nil the job must also belong to that thread. Returns (nil, nil)
// when the job is missing, already claimed, terminal, or on another thread.
func (s *Store) ClaimAgentJobByID(ctx context.Context, id uuid.UUID, ownerID string, threadID *string) (*agentjob.Job, error) {
	job, err := scanAgentJob(s.pool.QueryRow(ctx, claimByIDSQL, id, ownerID, threadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim agent job %s: %w", id, err)
	}
	return job, nil
}

// CompleteAgentJob moves a running job to its terminal state and records the
// result. Returns false without error when the job is not running or is
// owned by someone other than c.ExpectedOwnerID.
func (s *Store) CompleteAgentJob(ctx context.Context, c agentjob.Completion) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	changes, err := agentjob.MarshalChanges(c.Result.Changes)
	if err != nil {
		return false, err
	}
	messages := c.Result.Messages
	if messages == nil {
		messages = []string{}
	}

	tag, err := s.pool.Exec(ctx, completeSQL,
		c.JobID,
		string(c.Status),
		string(c.Result.Status),
		messages,
		string(changes), // text, not bytea, under the simple protocol
		c.Result.Error,
		c.ResolvedRunError(),
		c.ExpectedOwnerID,
	)
	if err != nil {
		return false, fmt.Errorf("complete agent job %s: %w", c.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		slog.WarnContext(ctx, "agent job completion ignored: not running or owner changed",
			"job_id", c.JobID, "status", c.Status, "expected_owner", derefOr(c.ExpectedOwnerID, ""))
		return false, nil
	}
	return true, nil
}

// CancelAgentJob moves a queued or running job to cancelled. A running
// job's owner will later find its completion rejected. Returns false when
// the job is missing or already terminal.
func (s *Store) CancelAgentJob(ctx context.Context, id uuid.UUID, reason *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, cancelSQL, id, reason)
	if err != nil {
		return false, fmt.Errorf("cancel agent job %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailStaleRunningAgentJobs fails running jobs whose started_at is older than
// maxRunDuration. Jobs are never re-queued. Returns the IDs that were failed.
func (s *Store) FailStaleRunningAgentJobs(ctx context.Context, maxRunDuration time.Duration) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, failStaleRunningSQL, maxRunDuration.Seconds(), StaleRunError)
	if err != nil {
		return nil, fmt.Errorf("fail stale agent jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("fail stale agent jobs: %w", err)
	}
	return ids, nil
}

// GetAgentJob returns the job with the given id, or (nil, nil) if not found.
func (s *Store) GetAgentJob(ctx context.Context, id uuid.UUID) (*agentjob.Job, error) {
	job, err := scanAgentJob(s.pool.QueryRow(ctx,
		`SELECT `+agentJobColumns+` FROM agent_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent job %s: %w", id, err)
	}
	return job, nil
}

// ActiveAgentJobForThread returns the queued or running job for threadID, or nil.
func (s *Store) ActiveAgentJobForThread(ctx context.Context, threadID string) (*agentjob.Job, error) {
	job, err := scanAgentJob(s.pool.QueryRow(ctx,
		`SELECT `+agentJobColumns+` FROM agent_jobs WHERE thread_id = $1 AND status IN ('queued', 'running')`,
		threadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("active agent job for thread %s: %w", threadID, err)
	}
	return job, nil
}

// ListAgentJobs returns jobs ordered by created_at DESC, id DESC, filtered by
// f. Callers pass Limit+1 to detect whether a next page exists.
func (s *Store) ListAgentJobs(ctx context.Context, f agentjob.ListFilter) ([]agentjob.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 25
	}
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.
		Select(agentJobColumns).
		From("agent_jobs").
		OrderBy("created_at DESC, id DESC").
		Limit(uint64(limit)) //nolint:gosec // G115: limit is positive

	if f.ThreadID != "" {
		sb = sb.Where(sq.Eq{"thread_id": f.ThreadID})
	}
	if f.ProjectID != "" {
		sb = sb.Where(sq.Eq{"project_id": f.ProjectID})
	}
	if f.Status != "" {
		sb = sb.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.AfterCreatedAt != nil && f.AfterID != nil {
		sb = sb.Where("(created_at, id) < (?, ?)", *f.AfterCreatedAt, *f.AfterID)
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list agent jobs: build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []agentjob.Job
	for rows.Next() {
		var (
			j                                   agentjob.Job
			mode, status                        string
			systemPrompt, ownerID, resultStatus sql.NullString
			resultError, runError               sql.NullString
			changes                             []byte
			startedAt, completedAt              sql.NullTime
		)
		if err := rows.Scan(
			&j.ID, &j.ThreadID, &j.ProjectID, &j.RequestedBy, &mode, &j.Executor, &j.Model, &j.Prompt, &systemPrompt,
			&status, &ownerID, &resultStatus, pq.Array(&j.ResultMessages), &changes, &resultError, &runError,
			&j.CreatedAt, &startedAt, &completedAt, &j.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("list agent jobs: scan: %w", err)
		}
		j.Mode = agentjob.Mode(mode)
		j.Status = agentjob.Status(status)
		j.SystemPrompt = nullString(systemPrompt)
		j.OwnerID = nullString(ownerID)
		if resultStatus.Valid {
			rs := agentjob.Status(resultStatus.String)
			j.ResultStatus = &rs
		}
		j.ResultError = nullString(resultError)
		j.RunError = nullString(runError)
		j.StartedAt = nullTime(startedAt)
		j.CompletedAt = nullTime(completedAt)
		if j.ResultChanges, err = agentjob.UnmarshalChanges(changes); err != nil {
			return nil, fmt.Errorf("list agent jobs: %w", err)
		}
		if j.ResultMessages == nil {
			j.ResultMessages = []string{}
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

// scanAgentJob scans one row selected with agentJobColumns.
func scanAgentJob(row pgx.Row) (*agentjob.Job, error) {
	var (
		j            agentjob.Job
		mode, status string
		resultStatus *string
		changes      []byte
	)
	if err := row.Scan(
		&j.ID, &j.ThreadID, &j.ProjectID, &j.RequestedBy, &mode, &j.Executor, &j.Model, &j.Prompt, &j.SystemPrompt,
		&status, &j.OwnerID, &resultStatus, &j.ResultMessages, &changes, &j.ResultError, &j.RunError,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.Mode = agentjob.Mode(mode)
	j.Status = agentjob.Status(status)
	if resultStatus != nil {
		rs := agentjob.Status(*resultStatus)
		j.ResultStatus = &rs
	}
	var err error
	if j.ResultChanges, err = agentjob.UnmarshalChanges(changes); err != nil {
		return nil, err
	}
	if j.ResultMessages == nil {
		j.ResultMessages = []string{}
	}
	return &j, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
