// ABOUTME: huma handlers for agent jobs: enqueue (with optional waits), claim, complete, cancel, await, reads.
// ABOUTME: Maps agentjob sentinel errors to 409/422/504; soft misses are null bodies, not errors.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/scarson/agentq/internal/agentjob"
)

func registerAgentJobRoutes(api huma.API, srv *Server) {
	tags := []string{"Agent jobs"}

	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-agent-job",
		Method:        http.MethodPost,
		Path:          "/threads/{thread_id}/agent-jobs",
		Summary:       "Enqueue an agent job",
		Description:   "Queues a job on the thread. Fails with 409 while the thread has an active job unless wait_ms is set.",
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
	}, srv.enqueueHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-active-agent-job",
		Method:      http.MethodGet,
		Path:        "/threads/{thread_id}/agent-jobs/active",
		Summary:     "Get the thread's active job",
		Tags:        tags,
	}, srv.activeHandler)

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-jobs",
		Method:      http.MethodGet,
		Path:        "/agent-jobs",
		Summary:     "List agent jobs",
		Description: "Newest first, keyset paginated.",
		Tags:        tags,
	}, srv.listHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-job",
		Method:      http.MethodGet,
		Path:        "/agent-jobs/{id}",
		Summary:     "Get an agent job",
		Tags:        tags,
	}, srv.getHandler)

	huma.Register(api, huma.Operation{
		OperationID: "claim-next-agent-job",
		Method:      http.MethodPost,
		Path:        "/agent-jobs/claim",
		Summary:     "Claim the next queued job",
		Description: "For remote workers. Returns {\"job\": null} when nothing is claimable.",
		Tags:        tags,
	}, srv.claimNextHandler)

	huma.Register(api, huma.Operation{
		OperationID: "claim-agent-job",
		Method:      http.MethodPost,
		Path:        "/agent-jobs/{id}/claim",
		Summary:     "Claim a specific queued job",
		Tags:        tags,
	}, srv.claimByIDHandler)

	huma.Register(api, huma.Operation{
		OperationID: "complete-agent-job",
		Method:      http.MethodPost,
		Path:        "/agent-jobs/{id}/complete",
		Summary:     "Record a job's outcome",
		Description: "409 when the job is no longer running or is owned by another worker.",
		Tags:        tags,
	}, srv.completeHandler)

	huma.Register(api, huma.Operation{
		OperationID: "cancel-agent-job",
		Method:      http.MethodPost,
		Path:        "/agent-jobs/{id}/cancel",
		Summary:     "Cancel a queued or running job",
		Tags:        tags,
	}, srv.cancelHandler)

	huma.Register(api, huma.Operation{
		OperationID: "await-agent-job",
		Method:      http.MethodGet,
		Path:        "/agent-jobs/{id}/await",
		Summary:     "Wait for a job to finish",
		Description: "Returns {\"result\": null} if the job is still active when the wait ends.",
		Tags:        tags,
	}, srv.awaitHandler)
}

// ── Response types ────────────────────────────────────────────────────────────

// AgentJobView is the API representation of an agent_jobs row. Messages has
// the read-time fallback applied and is never empty for terminal jobs.
type AgentJobView struct {
	ID           string            `json:"id"`
	ThreadID     string            `json:"thread_id"`
	ProjectID    string            `json:"project_id"`
	RequestedBy  string            `json:"requested_by"`
	Mode         string            `json:"mode"`
	Executor     string            `json:"executor"`
	Model        string            `json:"model,omitempty"`
	Prompt       string            `json:"prompt"`
	SystemPrompt *string           `json:"system_prompt,omitempty"`
	Status       string            `json:"status"`
	OwnerID      *string           `json:"owner_id,omitempty"`
	ResultStatus *string           `json:"result_status,omitempty"`
	Messages     []string          `json:"messages"`
	Changes      []agentjob.Change `json:"changes"`
	ResultError  *string           `json:"result_error,omitempty"`
	RunError     *string           `json:"run_error,omitempty"`
	CreatedAt    string            `json:"created_at"` // RFC3339
	StartedAt    *string           `json:"started_at,omitempty"`
	CompletedAt  *string           `json:"completed_at,omitempty"`
	UpdatedAt    string            `json:"updated_at"`
}

func jobToView(j *agentjob.Job) *AgentJobView {
	if j == nil {
		return nil
	}
	v := &AgentJobView{
		ID:           j.ID.String(),
		ThreadID:     j.ThreadID,
		ProjectID:    j.ProjectID,
		RequestedBy:  j.RequestedBy,
		Mode:         string(j.Mode),
		Executor:     j.Executor,
		Model:        j.Model,
		Prompt:       j.Prompt,
		SystemPrompt: j.SystemPrompt,
		Status:       string(j.Status),
		OwnerID:      j.OwnerID,
		Messages:     []string{},
		Changes:      j.ResultChanges,
		ResultError:  j.ResultError,
		RunError:     j.RunError,
		CreatedAt:    j.CreatedAt.UTC().Format(time.RFC3339Nano),
		StartedAt:    formatTime(j.StartedAt),
		CompletedAt:  formatTime(j.CompletedAt),
		UpdatedAt:    j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if j.ResultStatus != nil {
		s := string(*j.ResultStatus)
		v.ResultStatus = &s
	}
	if j.Status.Terminal() {
		v.Messages = j.DisplayMessages()
	}
	if v.Changes == nil {
		v.Changes = []agentjob.Change{}
	}
	return v
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

// JobBody wraps a possibly-null job.
type JobBody struct {
	Job *AgentJobView `json:"job"`
}

// JobOutput is the response for endpoints returning a single job or null.
type JobOutput struct {
	Body *JobBody
}

// mapQueueError converts agentjob sentinels to HTTP errors. Anything else is
// returned wrapped, which huma reports as 500.
func mapQueueError(op string, err error) error {
	switch {
	case errors.Is(err, agentjob.ErrSlotConflict):
		return huma.Error409Conflict("thread already has an active agent job", err)
	case errors.Is(err, agentjob.ErrTimeout):
		return huma.NewError(http.StatusGatewayTimeout, "thread is still busy", err)
	case errors.Is(err, agentjob.ErrInvalid):
		return huma.Error422UnprocessableEntity(err.Error())
	}
	return fmt.Errorf("%s: %w", op, err)
}

func parseJobID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, huma.Error422UnprocessableEntity("invalid job id", err)
	}
	return id, nil
}

// clampWait converts a millisecond request parameter to a duration no larger than max.
func clampWait(ms int, max time.Duration) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d > max {
		d = max
	}
	return d
}

// ── POST /threads/{thread_id}/agent-jobs ─────────────────────────────────────

// EnqueueRequest is the job definition supplied by the caller.
type EnqueueRequest struct {
	ProjectID    string  `json:"project_id" minLength:"1"`
	RequestedBy  string  `json:"requested_by" minLength:"1"`
	Mode         string  `json:"mode" enum:"direct,plan"`
	Executor     string  `json:"executor" minLength:"1"`
	Model        string  `json:"model,omitempty"`
	Prompt       string  `json:"prompt" minLength:"1"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
}

// EnqueueInput defines the path, query, and body of the enqueue endpoint.
type EnqueueInput struct {
	ThreadID string `path:"thread_id"`
	WaitMS   int    `query:"wait_ms" minimum:"0" doc:"Keep retrying while the thread is busy, up to this many milliseconds"`
	AwaitMS  int    `query:"await_ms" minimum:"0" doc:"After enqueueing, wait up to this many milliseconds for the result"`
	Body     EnqueueRequest
}

// EnqueueBody is the response body of the enqueue endpoint.
type EnqueueBody struct {
	Job    *AgentJobView    `json:"job"`
	Result *agentjob.Result `json:"result,omitempty"`
}

// EnqueueOutput is the response for POST /threads/{thread_id}/agent-jobs.
type EnqueueOutput struct {
	Body *EnqueueBody
}

func (srv *Server) enqueueHandler(ctx context.Context, input *EnqueueInput) (*EnqueueOutput, error) {
	n := agentjob.NewJob{
		ThreadID:     input.ThreadID,
		ProjectID:    input.Body.ProjectID,
		RequestedBy:  input.Body.RequestedBy,
		Mode:         agentjob.Mode(input.Body.Mode),
		Executor:     input.Body.Executor,
		Model:        input.Body.Model,
		Prompt:       input.Body.Prompt,
		SystemPrompt: input.Body.SystemPrompt,
	}

	var (
		id  uuid.UUID
		err error
	)
	if wait := clampWait(input.WaitMS, srv.cfg.EnqueueMaxWait); wait > 0 {
		id, err = srv.svc.EnqueueWithWait(ctx, n, wait, srv.cfg.WaitPollInterval)
	} else {
		id, err = srv.svc.Enqueue(ctx, n)
	}
	if err != nil {
		return nil, mapQueueError("enqueue agent job", err)
	}

	body := &EnqueueBody{}
	if await := clampWait(input.AwaitMS, srv.cfg.AwaitMaxWait); await > 0 {
		res, err := srv.svc.AwaitCompletion(ctx, id, await, srv.cfg.WaitPollInterval)
		if err != nil {
			return nil, fmt.Errorf("await agent job: %w", err)
		}
		body.Result = res
	}

	job, err := srv.svc.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get agent job: %w", err)
	}
	body.Job = jobToView(job)
	return &EnqueueOutput{Body: body}, nil
}

// ── GET /threads/{thread_id}/agent-jobs/active ───────────────────────────────

// ThreadInput identifies a thread.
type ThreadInput struct {
	ThreadID string `path:"thread_id"`
}

func (srv *Server) activeHandler(ctx context.Context, input *ThreadInput) (*JobOutput, error) {
	job, err := srv.svc.ActiveForThread(ctx, input.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("active agent job: %w", err)
	}
	return &JobOutput{Body: &JobBody{Job: jobToView(job)}}, nil
}

// ── GET /agent-jobs ──────────────────────────────────────────────────────────

// jobListCursor is the JSON structure encoded in the opaque cursor string.
type jobListCursor struct {
	CreatedAt string `json:"t"` // RFC3339Nano
	ID        string `json:"id"`
}

func encodeJobCursor(last agentjob.Job) string {
	b, _ := json.Marshal(jobListCursor{
		CreatedAt: last.CreatedAt.UTC().Format(time.RFC3339Nano),
		ID:        last.ID.String(),
	})
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodeJobCursor parses the opaque cursor. Empty input yields (nil, nil, nil).
func decodeJobCursor(s string) (*time.Time, *uuid.UUID, error) {
	if s == "" {
		return nil, nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cursor (base64): %w", err)
	}
	var c jobListCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, nil, fmt.Errorf("invalid cursor (json): %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, c.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cursor (time): %w", err)
	}
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cursor (id): %w", err)
	}
	return &t, &id, nil
}

// ListJobsInput defines query parameters for the job list.
type ListJobsInput struct {
	ThreadID  string `query:"thread_id"`
	ProjectID string `query:"project_id"`
	Status    string `query:"status" enum:"queued,running,success,failed,cancelled"`
	Cursor    string `query:"cursor" doc:"Opaque pagination cursor returned in the previous response"`
	Limit     int    `query:"limit" minimum:"1" maximum:"100" default:"25"`
}

// ListJobsBody is the JSON body of the list response.
type ListJobsBody struct {
	Items      []AgentJobView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// ListJobsOutput is the response for GET /agent-jobs.
type ListJobsOutput struct {
	Body *ListJobsBody
}

func (srv *Server) listHandler(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	after, afterID, err := decodeJobCursor(input.Cursor)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid cursor", err)
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 25
	}
	jobs, err := srv.svc.List(ctx, agentjob.ListFilter{
		ThreadID:       input.ThreadID,
		ProjectID:      input.ProjectID,
		Status:         agentjob.Status(input.Status),
		AfterCreatedAt: after,
		AfterID:        afterID,
		Limit:          limit + 1, // one extra to detect the next page
	})
	if err != nil {
		return nil, fmt.Errorf("list agent jobs: %w", err)
	}

	hasMore := len(jobs) > limit
	if hasMore {
		jobs = jobs[:limit]
	}
	items := make([]AgentJobView, len(jobs))
	for i := range jobs {
		items[i] = *jobToView(&jobs[i])
	}
	var next string
	if hasMore && len(jobs) > 0 {
		next = encodeJobCursor(jobs[len(jobs)-1])
	}
	return &ListJobsOutput{Body: &ListJobsBody{Items: items, NextCursor: next}}, nil
}

// ── GET /agent-jobs/{id} ─────────────────────────────────────────────────────

// JobIDInput identifies a job.
type JobIDInput struct {
	ID string `path:"id" format:"uuid"`
}

// GetJobOutput is the response for GET /agent-jobs/{id}.
type GetJobOutput struct {
	Body *AgentJobView
}

func (srv *Server) getHandler(ctx context.Context, input *JobIDInput) (*GetJobOutput, error) {
	id, err := parseJobID(input.ID)
	if err != nil {
		return nil, err
	}
	job, err := srv.svc.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get agent job: %w", err)
	}
	if job == nil {
		return nil, huma.Error404NotFound("agent job not found")
	}
	return &GetJobOutput{Body: jobToView(job)}, nil
}

// ── POST /agent-jobs/claim, /agent-jobs/{id}/claim ───────────────────────────

// ClaimNextInput is the body of a claim-next request.
type ClaimNextInput struct {
	Body struct {
		OwnerID string `json:"owner_id" minLength:"1" doc:"Stable identifier of the claiming worker"`
	}
}

func (srv *Server) claimNextHandler(ctx context.Context, input *ClaimNextInput) (*JobOutput, error) {
	job, err := srv.svc.ClaimNext(ctx, input.Body.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("claim next agent job: %w", err)
	}
	return &JobOutput{Body: &JobBody{Job: jobToView(job)}}, nil
}

// ClaimByIDInput is a claim of a specific job, optionally scoped to a thread.
type ClaimByIDInput struct {
	ID   string `path:"id" format:"uuid"`
	Body struct {
		OwnerID  string  `json:"owner_id" minLength:"1"`
		ThreadID *string `json:"thread_id,omitempty" doc:"Claim only if the job belongs to this thread"`
	}
}

func (srv *Server) claimByIDHandler(ctx context.Context, input *ClaimByIDInput) (*JobOutput, error) {
	id, err := parseJobID(input.ID)
	if err != nil {
		return nil, err
	}
	job, err := srv.svc.ClaimByID(ctx, id, input.Body.OwnerID, input.Body.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("claim agent job: %w", err)
	}
	return &JobOutput{Body: &JobBody{Job: jobToView(job)}}, nil
}

// ── POST /agent-jobs/{id}/complete ───────────────────────────────────────────

// ResultInput is the executor output as reported by a remote worker.
type ResultInput struct {
	Status   string            `json:"status" enum:"success,failed,cancelled"`
	Messages []string          `json:"messages,omitempty"`
	Changes  []agentjob.Change `json:"changes,omitempty"`
	Error    *string           `json:"error,omitempty"`
}

// CompleteInput is a worker's report of a job outcome.
type CompleteInput struct {
	ID   string `path:"id" format:"uuid"`
	Body struct {
		Status          string      `json:"status" enum:"success,failed,cancelled"`
		Result          ResultInput `json:"result"`
		RunnerError     *string     `json:"runner_error,omitempty"`
		ExpectedOwnerID *string     `json:"expected_owner_id,omitempty" doc:"Reject the completion unless this worker still owns the job"`
	}
}

// CompleteOutput acknowledges a recorded completion.
type CompleteOutput struct {
	Body struct {
		Completed bool `json:"completed"`
	}
}

func (srv *Server) completeHandler(ctx context.Context, input *CompleteInput) (*CompleteOutput, error) {
	id, err := parseJobID(input.ID)
	if err != nil {
		return nil, err
	}
	in := input.Body.Result
	res := agentjob.Result{
		Status:   agentjob.Status(in.Status),
		Messages: in.Messages,
		Changes:  in.Changes,
		Error:    in.Error,
	}
	if res.Messages == nil {
		res.Messages = []string{}
	}
	if res.Changes == nil {
		res.Changes = []agentjob.Change{}
	}
	ok, err := srv.svc.Complete(ctx, agentjob.Completion{
		JobID:           id,
		Status:          agentjob.Status(input.Body.Status),
		Result:          res,
		RunnerError:     input.Body.RunnerError,
		ExpectedOwnerID: input.Body.ExpectedOwnerID,
	})
	if err != nil {
		return nil, mapQueueError("complete agent job", err)
	}
	if !ok {
		return nil, huma.Error409Conflict("agent job is not running or is owned by another worker")
	}
	out := &CompleteOutput{}
	out.Body.Completed = true
	return out, nil
}

// ── POST /agent-jobs/{id}/cancel ─────────────────────────────────────────────

// CancelInput cancels a job with an optional reason.
type CancelInput struct {
	ID   string `path:"id" format:"uuid"`
	Body *struct {
		Reason *string `json:"reason,omitempty"`
	} `required:"false"`
}

// CancelOutput acknowledges a cancellation.
type CancelOutput struct {
	Body struct {
		Cancelled bool `json:"cancelled"`
	}
}

func (srv *Server) cancelHandler(ctx context.Context, input *CancelInput) (*CancelOutput, error) {
	id, err := parseJobID(input.ID)
	if err != nil {
		return nil, err
	}
	var reason *string
	if input.Body != nil {
		reason = input.Body.Reason
	}
	ok, err := srv.svc.Cancel(ctx, id, reason)
	if err != nil {
		return nil, fmt.Errorf("cancel agent job: %w", err)
	}
	if !ok {
		job, err := srv.svc.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get agent job: %w", err)
		}
		if job == nil {
			return nil, huma.Error404NotFound("agent job not found")
		}
		return nil, huma.Error409Conflict("agent job is already " + string(job.Status))
	}
	out := &CancelOutput{}
	out.Body.Cancelled = true
	return out, nil
}

// ── GET /agent-jobs/{id}/await ───────────────────────────────────────────────

// AwaitInput bounds a completion wait.
type AwaitInput struct {
	ID     string `path:"id" format:"uuid"`
	WaitMS int    `query:"wait_ms" minimum:"0" default:"30000"`
}

// AwaitBody carries the result, or null if the job is still active.
type AwaitBody struct {
	Status string           `json:"status"`
	Result *agentjob.Result `json:"result"`
}

// AwaitOutput is the response for GET /agent-jobs/{id}/await.
type AwaitOutput struct {
	Body *AwaitBody
}

func (srv *Server) awaitHandler(ctx context.Context, input *AwaitInput) (*AwaitOutput, error) {
	id, err := parseJobID(input.ID)
	if err != nil {
		return nil, err
	}
	res, err := srv.svc.AwaitCompletion(ctx, id, clampWait(input.WaitMS, srv.cfg.AwaitMaxWait), srv.cfg.WaitPollInterval)
	if err != nil {
		return nil, fmt.Errorf("await agent job: %w", err)
	}
	// nil covers both a missing job and a timeout; a read tells them apart.
	job, err := srv.svc.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get agent job: %w", err)
	}
	if job == nil {
		return nil, huma.Error404NotFound("agent job not found")
	}
	return &AwaitOutput{Body: &AwaitBody{Status: string(job.Status), Result: res}}, nil
}
