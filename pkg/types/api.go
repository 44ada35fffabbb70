package types

// JobState is the lifecycle state of a generation job.
type JobState string

const (
	JobRunning  JobState = "running"
	JobFinished JobState = "finished"
	JobError    JobState = "error"
	JobStopped  JobState = "stopped"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobFinished || s == JobError || s == JobStopped
}

// JobParams is the full parameter set for one generation job. It is what
// the start endpoint accepts and what the run subcommand consumes.
type JobParams struct {
	// Endpoints are the model-serving base URLs the sample set is
	// sharded across, e.g. ["http://localhost:6466/v1"].
	Endpoints []string `json:"services"`
	Model     string   `json:"model"`
	APIKey    string   `json:"api_key,omitempty"`
	// Backend selects the wire format: "vllm" or "openai".
	Backend string `json:"backend,omitempty"`

	FileID  int64 `json:"file_id"`
	OwnerID int64 `json:"user_id"`

	BatchSize         int     `json:"batch_size"`
	MaxConcurrent     int     `json:"max_concurrent"`
	MinScore          int     `json:"min_score"`
	TaskType          string  `json:"task_type"`
	VariantsPerSample int     `json:"variants_per_sample"`
	DataRounds        int     `json:"data_rounds"`
	RetryTimes        int     `json:"retry_times"`
	SampleRetryTimes  int     `json:"sample_retry_times"`
	SpecialPrompt     string  `json:"special_prompt"`
	Directions        string  `json:"directions"`
	TopP              float64 `json:"top_p"`
	MaxTokens         int     `json:"max_tokens"`
	TimeoutSeconds    int     `json:"timeout"`
}

// JobSummary is the list-endpoint view of one job.
type JobSummary struct {
	JobID      string    `json:"task_id"`
	State      JobState  `json:"status"`
	Finished   bool      `json:"finished"`
	ReturnCode *int      `json:"return_code"`
	Params     JobParams `json:"params"`
	RunSeconds float64   `json:"run_time"`
}

// JobStatus is returned by the status endpoint.
type JobStatus struct {
	Finished   bool     `json:"finished"`
	State      JobState `json:"status"`
	ReturnCode *int     `json:"return_code"`
}

// LogEvent is one SSE frame on the job log stream.
type LogEvent struct {
	// Type is "output", "heartbeat" or "finished".
	Type string `json:"type"`
	Line string `json:"line,omitempty"`
	// ReturnCode is set on the terminal "finished" event.
	ReturnCode *int `json:"return_code,omitempty"`
}

// RunResult is the orchestrator's final summary for one job.
type RunResult struct {
	Status            string  `json:"status"`
	JobID             string  `json:"task_id"`
	TotalGenerated    int     `json:"total_generated"`
	TotalRounds       int     `json:"total_rounds"`
	DurationSeconds   float64 `json:"total_duration"`
	CompletionPercent float64 `json:"completion_percent"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
