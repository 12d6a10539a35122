package core

import "time"

// RunEventType identifies a lifecycle event emitted by the executor.
type RunEventType string

const (
	RunStarted           RunEventType = "run_started"
	StepStarted          RunEventType = "step_started"
	StepFinished         RunEventType = "step_finished"
	StepSkipped          RunEventType = "step_skipped"
	RunFinished          RunEventType = "run_finished"
	TerminateWithFailure RunEventType = "terminate_with_failure"
)

// Scope marks the start or end of a scoped event pair (step_started/step_finished).
type Scope string

const (
	ScopeStart Scope = "start"
	ScopeEnd   Scope = "end"
)

// RunEvent is a single lifecycle notification.
type RunEvent struct {
	Type     RunEventType  `json:"type"`
	Scope    Scope         `json:"scope,omitempty"`
	Time     time.Time     `json:"time"`
	RunID    string        `json:"run_id"`
	Pipeline string        `json:"pipeline"`
	Step     string        `json:"step,omitempty"`
	Handler  string        `json:"handler,omitempty"`
	Index    int           `json:"index"`
	Status   Status        `json:"status,omitempty"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Reporter receives lifecycle events. Implementations must be safe for
// concurrent use because independent runs report concurrently.
type Reporter interface {
	Report(ev RunEvent)
}

type discardReporter struct{}

func (discardReporter) Report(RunEvent) {}
