package agentjob

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ChangeKind classifies a file change produced by a run.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change is one structured change record in a run result.
type Change struct {
	Path    string     `json:"path"`
	Kind    ChangeKind `json:"kind"`
	Diff    string     `json:"diff,omitempty"`
	Summary string     `json:"summary,omitempty"`
}

// Result is the structured outcome of an execution, stored on the terminal
// transition. Status is success, failed, or cancelled.
type Result struct {
	Status   Status   `json:"status"`
	Messages []string `json:"messages"`
	Changes  []Change `json:"changes"`
	Error    *string  `json:"error"`
}

// FailedResult builds a failed result carrying msg as both its only message
// and its error.
func FailedResult(msg string) Result {
	return Result{
		Status:   StatusFailed,
		Messages: []string{msg},
		Changes:  []Change{},
		Error:    &msg,
	}
}

// Validate checks the result at the store boundary. Errors wrap ErrInvalid.
func (r Result) Validate() error {
	if !r.Status.Terminal() {
		return fmt.Errorf("%w: result status %q is not terminal", ErrInvalid, r.Status)
	}
	for i, c := range r.Changes {
		if c.Path == "" {
			return fmt.Errorf("%w: change %d has empty path", ErrInvalid, i)
		}
		switch c.Kind {
		case ChangeCreated, ChangeModified, ChangeDeleted:
		default:
			return fmt.Errorf("%w: change %d has unknown kind %q", ErrInvalid, i, c.Kind)
		}
	}
	return nil
}

// ForSuccessFailureCaller maps cancelled onto a failed-shaped result for
// callers that only distinguish success from failure.
func (r Result) ForSuccessFailureCaller() Result {
	if r.Status != StatusCancelled {
		return r
	}
	out := r
	out.Status = StatusFailed
	if out.Error == nil {
		msg := "Run cancelled"
		out.Error = &msg
	}
	return out
}

// MarshalChanges encodes changes for the jsonb column, never as null.
func MarshalChanges(changes []Change) ([]byte, error) {
	if changes == nil {
		changes = []Change{}
	}
	b, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("marshal changes: %w", err)
	}
	return b, nil
}

// UnmarshalChanges decodes the jsonb column.
func UnmarshalChanges(b []byte) ([]Change, error) {
	if len(b) == 0 {
		return []Change{}, nil
	}
	var out []Change
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal changes: %w", err)
	}
	if out == nil {
		out = []Change{}
	}
	return out, nil
}

// Completion is the input to the completion reconciliation step.
type Completion struct {
	JobID           uuid.UUID
	Status          Status
	Result          Result
	RunnerError     *string
	ExpectedOwnerID *string
}

// Validate checks the terminal status and the embedded result.
func (c Completion) Validate() error {
	if !c.Status.Terminal() {
		return fmt.Errorf("%w: completion status %q is not terminal", ErrInvalid, c.Status)
	}
	return c.Result.Validate()
}

// ResolvedRunError is the run_error value to write: the explicit runner
// error wins, then the result's own error, else nil (keep what is stored).
func (c Completion) ResolvedRunError() *string {
	if c.RunnerError != nil {
		return c.RunnerError
	}
	return c.Result.Error
}
