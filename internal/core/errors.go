package core

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistryFrozen is returned by Register once the registry has been frozen.
	ErrRegistryFrozen = errors.New("handler registry is frozen")
	// ErrQueueFull is returned by Scheduler.Enqueue when no buffer slot is free.
	ErrQueueFull = errors.New("run queue is full")
	// ErrSchedulerClosed is returned by Scheduler.Enqueue after Close.
	ErrSchedulerClosed = errors.New("scheduler is closed")
)

// DefinitionError reports a malformed pipeline definition. It is raised at
// load time, before any run starts.
type DefinitionError struct {
	Pipeline string
	Field    string
	Reason   string
}

func (e *DefinitionError) Error() string {
	switch {
	case e.Pipeline != "" && e.Field != "":
		return fmt.Sprintf("pipeline %q: %s: %s", e.Pipeline, e.Field, e.Reason)
	case e.Pipeline != "":
		return fmt.Sprintf("pipeline %q: %s", e.Pipeline, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("pipeline definition: %s: %s", e.Field, e.Reason)
	}
	return "pipeline definition: " + e.Reason
}

// DuplicateHandlerError is returned when a handler id is registered twice.
type DuplicateHandlerError struct {
	ID string
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("handler %q already registered", e.ID)
}

// UnknownHandlerError is returned when a handler id does not resolve.
type UnknownHandlerError struct {
	ID string
}

func (e *UnknownHandlerError) Error() string {
	return fmt.Sprintf("unknown handler %q", e.ID)
}

// StepFailure describes the step that aborted a run.
type StepFailure struct {
	Pipeline string
	Step     string
	Status   Status
	Info     ExitInfo
}

func (e *StepFailure) Error() string {
	msg := e.Info.Message
	if msg == "" {
		msg = fmt.Sprintf("exit code %d", e.Info.Code)
	}
	if e.Step == "" {
		return fmt.Sprintf("pipeline %q %s: %s", e.Pipeline, e.Status, msg)
	}
	return fmt.Sprintf("pipeline %q step %q %s: %s", e.Pipeline, e.Step, e.Status, msg)
}

// TimedOut reports whether the step was cancelled by its timeout.
func (e *StepFailure) TimedOut() bool {
	return e.Status == StatusTimedOut
}
