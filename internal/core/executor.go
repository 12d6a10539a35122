package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// LogStore persists the full output of a step and returns where it was saved.
// index is the step's position in its pipeline; a store must keep the logs
// of two steps apart even when their names look alike on disk.
type LogStore interface {
	SaveLog(runID string, index int, step, output string) (string, error)
}

// Executor runs pipelines. It holds no per-run state and is safe to use from
// many goroutines at once; each call to Run owns its RunRecord exclusively.
type Executor struct {
	registry      *Registry
	logs          LogStore
	reporter      Reporter
	logger        *slog.Logger
	workspaceRoot string
	keepWorkspace bool
	outputLimit   int
	now           func() time.Time
	newID         func() string
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogStore saves each step's output through ls.
func WithLogStore(ls LogStore) Option {
	return func(e *Executor) { e.logs = ls }
}

// WithReporter sets the lifecycle event reporter.
func WithReporter(r Reporter) Option {
	return func(e *Executor) { e.reporter = r }
}

// WithLogger sets the logger for the executor.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithWorkspaceRoot gives every run its own directory <root>/<run-id>,
// removed when the run ends unless keep is true.
func WithWorkspaceRoot(root string, keep bool) Option {
	return func(e *Executor) {
		e.workspaceRoot = root
		e.keepWorkspace = keep
	}
}

// WithOutputLimit caps how many trailing bytes of step output are kept in
// the RunRecord. The full output still goes to the LogStore.
func WithOutputLimit(n int) Option {
	return func(e *Executor) { e.outputLimit = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithIDGenerator overrides run id generation, for tests.
func WithIDGenerator(fn func() string) Option {
	return func(e *Executor) { e.newID = fn }
}

// NewExecutor creates an executor resolving handlers from reg.
func NewExecutor(reg *Registry, opts ...Option) *Executor {
	e := &Executor{
		registry:    reg,
		reporter:    discardReporter{},
		logger:      slog.Default(),
		outputLimit: 16 << 10,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the handler registry the executor resolves from.
func (e *Executor) Registry() *Registry { return e.registry }

// Run executes p's steps strictly in declaration order in response to ev.
//
// The first step that fails or times out aborts the run; later steps are not
// executed and are listed in RunRecord.Skipped. Run never returns an error:
// every failure is recorded in the RunRecord.
func (e *Executor) Run(ctx context.Context, p *Pipeline, ev Event) *RunRecord {
	rec := &RunRecord{
		ID:        e.newID(),
		Pipeline:  p.Name(),
		Event:     ev.clone(),
		Status:    StatusSucceeded,
		Results:   make([]StepResult, 0, p.Len()),
		StartedAt: e.now(),
	}
	logger := e.logger.With("pipeline", p.Name(), "run", rec.ID)
	logger.Info("Pipeline started", "event", ev.Kind, "steps", p.Len())
	e.reporter.Report(RunEvent{Type: RunStarted, Time: rec.StartedAt, RunID: rec.ID, Pipeline: rec.Pipeline})

	workspace, cleanup, err := e.prepareWorkspace(rec.ID)
	if err != nil {
		logger.Error("Cannot prepare workspace", "error", err)
	}
	defer cleanup()

	steps := p.Steps()
	for i, step := range steps {
		if ctx.Err() != nil {
			logger.Warn("Pipeline cancelled before step", "step", step.Name(), "error", ctx.Err())
			rec.Status = StatusFailed
			e.skipRemaining(rec, steps[i:], i, "run cancelled")
			break
		}

		if err != nil {
			res := StepResult{
				StepName:  step.Name(),
				Handler:   step.Handler(),
				Status:    StatusFailed,
				ExitInfo:  ExitInfo{Code: -1, Message: fmt.Sprintf("prepare workspace: %v", err)},
				StartedAt: e.now(),
			}
			e.reportStep(rec, i, res)
			rec.Results = append(rec.Results, res)
			rec.Status = StatusFailed
			e.skipRemaining(rec, steps[i+1:], i+1, res.ExitInfo.Message)
			break
		}

		e.reporter.Report(RunEvent{
			Type: StepStarted, Scope: ScopeStart, Time: e.now(),
			RunID: rec.ID, Pipeline: rec.Pipeline, Step: step.Name(), Handler: step.Handler(), Index: i,
		})
		logger.Info("Step started", "step", step.Name(), "handler", step.Handler(), "index", i)

		res := e.runStep(ctx, rec, i, step, workspace, logger)
		rec.Results = append(rec.Results, res)
		e.reportStep(rec, i, res)

		if res.Status != StatusSucceeded {
			logger.Error("Step failed", "step", step.Name(), "status", res.Status,
				"code", res.ExitInfo.Code, "message", res.ExitInfo.Message, "elapsed", res.Duration)
			rec.Status = StatusFailed
			e.skipRemaining(rec, steps[i+1:], i+1, fmt.Sprintf("step %q %s", step.Name(), res.Status))
			break
		}
		logger.Info("Step completed", "step", step.Name(), "elapsed", res.Duration)
	}

	rec.FinishedAt = e.now()
	e.reporter.Report(RunEvent{
		Type: RunFinished, Time: rec.FinishedAt, RunID: rec.ID, Pipeline: rec.Pipeline,
		Status: rec.Status, Duration: rec.Duration(), Index: len(rec.Results),
	})
	if rec.Succeeded() {
		logger.Info("Pipeline completed", "elapsed", rec.Duration())
	} else {
		logger.Warn("Pipeline failed", "elapsed", rec.Duration(), "skipped", len(rec.Skipped))
	}
	return rec
}

func (e *Executor) reportStep(rec *RunRecord, i int, res StepResult) {
	e.reporter.Report(RunEvent{
		Type: StepFinished, Scope: ScopeEnd, Time: res.StartedAt.Add(res.Duration),
		RunID: rec.ID, Pipeline: rec.Pipeline, Step: res.StepName, Handler: res.Handler, Index: i,
		Status: res.Status, Message: res.ExitInfo.Message, Duration: res.Duration,
	})
}

// skipRemaining lists steps that will not run and reports the abort.
func (e *Executor) skipRemaining(rec *RunRecord, rest []Step, offset int, reason string) {
	for j, s := range rest {
		rec.Skipped = append(rec.Skipped, s.Name())
		e.reporter.Report(RunEvent{
			Type: StepSkipped, Time: e.now(), RunID: rec.ID, Pipeline: rec.Pipeline,
			Step: s.Name(), Handler: s.Handler(), Index: offset + j, Status: StatusSkipped,
		})
	}
	e.reporter.Report(RunEvent{
		Type: TerminateWithFailure, Time: e.now(), RunID: rec.ID, Pipeline: rec.Pipeline,
		Status: StatusFailed, Message: reason,
	})
}

func (e *Executor) prepareWorkspace(runID string) (string, func(), error) {
	if e.workspaceRoot == "" {
		return "", func() {}, nil
	}
	dir := filepath.Join(e.workspaceRoot, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", func() {}, err
	}
	return dir, func() {
		if e.keepWorkspace {
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("Cannot remove workspace", "dir", dir, "error", err)
		}
	}, nil
}
