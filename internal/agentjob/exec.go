package agentjob

// ExecRequest is what an executor receives for one claimed job.
type ExecRequest struct {
	JobID               string   `json:"job_id"`
	ThreadID            string   `json:"thread_id"`
	ProjectID           string   `json:"project_id"`
	Prompt              string   `json:"prompt"`
	Dir                 string   `json:"dir"`
	SystemPrompt        *string  `json:"system_prompt,omitempty"`
	AllowedCapabilities []string `json:"allowed_capabilities"`
	Mode                Mode     `json:"mode"`
	Model               string   `json:"model,omitempty"`
}

// NewExecRequest builds the request for j running in dir.
func NewExecRequest(j *Job, dir string, capabilities []string) ExecRequest {
	caps := append([]string{}, capabilities...)
	return ExecRequest{
		JobID:               j.ID.String(),
		ThreadID:            j.ThreadID,
		ProjectID:           j.ProjectID,
		Prompt:              j.Prompt,
		Dir:                 dir,
		SystemPrompt:        j.SystemPrompt,
		AllowedCapabilities: caps,
		Mode:                j.Mode,
		Model:               j.Model,
	}
}
