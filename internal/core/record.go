package core

import "time"

// Status is the terminal state of a step or a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	// StatusSkipped is only reported for steps that never ran; it never
	// appears in RunRecord.Results.
	StatusSkipped Status = "skipped"
)

// ExitInfo is what a handler reports about its invocation. The executor does
// not interpret it beyond storing it.
type ExitInfo struct {
	Code    int            `json:"code"`
	Message string         `json:"message,omitempty"`
	Output  string         `json:"output,omitempty"`
	LogPath string         `json:"log_path,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StepResult is the recorded outcome of one executed step.
type StepResult struct {
	StepName  string        `json:"step_name"`
	Handler   string        `json:"handler"`
	Status    Status        `json:"status"`
	ExitInfo  ExitInfo      `json:"exit_info"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// RunRecord is the ordered outcome log of one pipeline run.
//
// Results holds the executed steps in declaration order. When a step fails or
// times out, the remaining steps are not executed and are listed in Skipped.
type RunRecord struct {
	ID         string       `json:"id"`
	Pipeline   string       `json:"pipeline"`
	Event      Event        `json:"event"`
	Status     Status       `json:"status"`
	Results    []StepResult `json:"results"`
	Skipped    []string     `json:"skipped,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Succeeded reports whether every step of the run succeeded.
func (r *RunRecord) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// FailedStep returns the step that aborted the run, or nil.
func (r *RunRecord) FailedStep() *StepResult {
	if r.Succeeded() || len(r.Results) == 0 {
		return nil
	}
	last := r.Results[len(r.Results)-1]
	if last.Status == StatusSucceeded {
		return nil
	}
	return &last
}

// Err returns a *StepFailure describing the aborting step, or nil when the run succeeded.
func (r *RunRecord) Err() error {
	if r.Succeeded() {
		return nil
	}
	if s := r.FailedStep(); s != nil {
		return &StepFailure{Pipeline: r.Pipeline, Step: s.StepName, Status: s.Status, Info: s.ExitInfo}
	}
	return &StepFailure{Pipeline: r.Pipeline, Status: StatusFailed, Info: ExitInfo{Code: -1, Message: "run cancelled"}}
}

// Duration is the wall time of the run.
func (r *RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
