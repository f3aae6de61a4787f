// Package agentjob defines the agent job record shared by the store, the
// queue service, the poller, and the HTTP layer.
//
// A job moves queued → running → {success, failed, cancelled}. At most one
// queued or running job exists per thread; the store enforces this with a
// partial unique index, not with anything in this package.
package agentjob

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether s occupies the thread's single run slot.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Active() || s.Terminal()
}

// Mode selects execution behavior.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModePlan   Mode = "plan"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeDirect || m == ModePlan
}

// NoOutputMessage is surfaced when a terminal job has neither messages nor an error.
const NoOutputMessage = "No output"

// Job is one agent execution request.
type Job struct {
	ID           uuid.UUID
	ThreadID     string
	ProjectID    string
	RequestedBy  string
	Mode         Mode
	Executor     string
	Model        string
	Prompt       string
	SystemPrompt *string

	Status  Status
	OwnerID *string

	ResultStatus   *Status
	ResultMessages []string
	ResultChanges  []Change
	ResultError    *string
	RunError       *string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// DisplayMessages returns the messages downstream consumers should see.
// Storage may hold an empty list; the fallback is computed on every read
// and never written back.
func (j *Job) DisplayMessages() []string {
	if len(j.ResultMessages) > 0 {
		out := make([]string, len(j.ResultMessages))
		copy(out, j.ResultMessages)
		return out
	}
	if j.RunError != nil && *j.RunError != "" {
		return []string{*j.RunError}
	}
	if j.ResultError != nil && *j.ResultError != "" {
		return []string{*j.ResultError}
	}
	return []string{NoOutputMessage}
}

// Result builds the caller-facing result of a terminal job. The second
// return value is false while the job is still queued or running.
func (j *Job) Result() (Result, bool) {
	if !j.Status.Terminal() {
		return Result{}, false
	}
	r := Result{
		Status:   j.Status,
		Messages: j.DisplayMessages(),
		Changes:  j.ResultChanges,
		Error:    j.ResultError,
	}
	if r.Error == nil && j.RunError != nil {
		r.Error = j.RunError
	}
	if r.Changes == nil {
		r.Changes = []Change{}
	}
	return r, true
}

// NewJob is the input to Enqueue.
type NewJob struct {
	ThreadID     string
	ProjectID    string
	RequestedBy  string
	Mode         Mode
	Executor     string
	Model        string
	Prompt       string
	SystemPrompt *string
}

// Validate checks the enqueue payload. Errors wrap ErrInvalid.
func (n NewJob) Validate() error {
	var missing []string
	if strings.TrimSpace(n.ThreadID) == "" {
		missing = append(missing, "thread_id")
	}
	if strings.TrimSpace(n.ProjectID) == "" {
		missing = append(missing, "project_id")
	}
	if strings.TrimSpace(n.RequestedBy) == "" {
		missing = append(missing, "requested_by")
	}
	if strings.TrimSpace(n.Executor) == "" {
		missing = append(missing, "executor")
	}
	if strings.TrimSpace(n.Prompt) == "" {
		missing = append(missing, "prompt")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	if !n.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, n.Mode)
	}
	return nil
}

// ListFilter narrows List results. Zero-valued fields are ignored.
// Results are ordered newest first; AfterCreatedAt/AfterID form the keyset cursor.
type ListFilter struct {
	ThreadID       string
	ProjectID      string
	Status         Status
	AfterCreatedAt *time.Time
	AfterID        *uuid.UUID
	Limit          int
}
