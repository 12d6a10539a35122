package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type stepOutcome struct {
	info      ExitInfo
	err       error
	abandoned bool
}

// runStep resolves and invokes the step's handler and classifies the outcome.
func (e *Executor) runStep(ctx context.Context, rec *RunRecord, index int, step Step, workspace string, logger *slog.Logger) StepResult {
	res := StepResult{
		StepName:  step.Name(),
		Handler:   step.Handler(),
		StartedAt: e.now(),
	}

	handler, err := e.registry.Resolve(step.Handler())
	if err != nil {
		res.Status = StatusFailed
		res.ExitInfo = ExitInfo{Code: -1, Message: err.Error()}
		return res
	}

	stepCtx, cancel := ctx, context.CancelFunc(func() {})
	if d, ok := step.Timeout(); ok {
		stepCtx, cancel = context.WithTimeout(ctx, d)
	}
	defer cancel()

	in := StepInput{
		RunID:     rec.ID,
		Pipeline:  rec.Pipeline,
		Step:      step.Name(),
		Config:    step.Config(),
		Event:     rec.Event.clone(),
		Workspace: workspace,
		Logger:    logger.With("step", step.Name()),
	}

	out := invoke(stepCtx, handler, in)
	res.Duration = e.now().Sub(res.StartedAt)
	res.ExitInfo = out.info

	// A handler returning nil after its deadline fired still timed out.
	timedOut := ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded)

	switch {
	case out.err == nil && !out.abandoned && !timedOut:
		res.Status = StatusSucceeded
	case ctx.Err() != nil:
		// The run itself was cancelled, not the step.
		res.Status = StatusFailed
		res.ExitInfo.Message = "run cancelled"
	case timedOut:
		d, _ := step.Timeout()
		res.Status = StatusTimedOut
		if res.ExitInfo.Message == "" || out.abandoned {
			res.ExitInfo.Message = fmt.Sprintf("step exceeded timeout of %s", d)
		}
	default:
		res.Status = StatusFailed
		if res.ExitInfo.Message == "" {
			res.ExitInfo.Message = out.err.Error()
		}
	}
	if res.Status != StatusSucceeded && res.ExitInfo.Code == 0 {
		res.ExitInfo.Code = -1
	}

	if e.logs != nil && res.ExitInfo.Output != "" {
		path, err := e.logs.SaveLog(rec.ID, index, step.Name(), res.ExitInfo.Output)
		if err != nil {
			logger.Warn("Cannot save step log", "step", step.Name(), "error", err)
		} else {
			res.ExitInfo.LogPath = path
		}
	}
	res.ExitInfo.Output = tail(res.ExitInfo.Output, e.outputLimit)
	return res
}

// abandonGrace is how long invoke waits, after ctx is done, for the handler
// to return its own exit info before giving up on it.
var abandonGrace = 200 * time.Millisecond

// invoke calls the handler on its own goroutine so that a handler ignoring
// ctx cannot hold the run past its deadline. A result arriving later than
// abandonGrace after the deadline is dropped.
func invoke(ctx context.Context, h Handler, in StepInput) stepOutcome {
	done := make(chan stepOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepOutcome{err: fmt.Errorf("handler panic: %v", r), info: ExitInfo{Code: -1, Message: fmt.Sprintf("handler panic: %v", r)}}
			}
		}()
		info, err := h.Execute(ctx, in)
		done <- stepOutcome{info: info, err: err}
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		grace := time.NewTimer(abandonGrace)
		defer grace.Stop()
		select {
		case out := <-done:
			return out
		case <-grace.C:
			return stepOutcome{err: ctx.Err(), abandoned: true}
		}
	}
}

func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
