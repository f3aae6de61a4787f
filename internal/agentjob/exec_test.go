package agentjob_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/scarson/agentq/internal/agentjob"
)

func TestNewExecRequest(t *testing.T) {
	t.Parallel()
	sys := "be terse"
	j := &agentjob.Job{
		ID:           uuid.MustParse("5c1e0d9a-3b7f-4c2e-9a61-0d4f8e2b7c10"),
		ThreadID:     "T1",
		ProjectID:    "P1",
		Mode:         agentjob.ModePlan,
		Model:        "opus",
		Prompt:       "plan it",
		SystemPrompt: &sys,
	}
	caps := []string{"read"}
	req := agentjob.NewExecRequest(j, "/w/P1/T1", caps)
	caps[0] = "write"

	assert.Equal(t, agentjob.ExecRequest{
		JobID:               "5c1e0d9a-3b7f-4c2e-9a61-0d4f8e2b7c10",
		ThreadID:            "T1",
		ProjectID:           "P1",
		Prompt:              "plan it",
		Dir:                 "/w/P1/T1",
		SystemPrompt:        &sys,
		AllowedCapabilities: []string{"read"},
		Mode:                agentjob.ModePlan,
		Model:               "opus",
	}, req, "capabilities are copied")
}
