// Package trigger routes incoming events to the pipelines whose triggers
// match and runs them.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pullci/internal/core"
	"pullci/internal/export"
)

// Observer is told about every received event.
type Observer interface {
	ObserveEvent(kind core.EventKind, matched bool)
}

// Dispatch is the outcome of handing one event to the listener.
type Dispatch struct {
	Event   core.Event        `json:"event"`
	Matched []string          `json:"matched"`
	Queued  bool              `json:"queued"`
	Runs    []*core.RunRecord `json:"runs,omitempty"`
}

// Listener evaluates pipeline triggers and starts runs. In sync mode the
// matching pipelines run concurrently and OnEvent waits for them; with a
// scheduler the runs are queued and OnEvent returns at once.
type Listener struct {
	exec          *core.Executor
	pipelines     atomic.Pointer[[]*core.Pipeline]
	sched         *core.Scheduler
	sink          export.Sink
	recent        *RecentRuns
	observer      Observer
	logger        *slog.Logger
	exportTimeout time.Duration
}

type Option func(*Listener)

// WithScheduler switches the listener to async mode.
func WithScheduler(s *core.Scheduler) Option {
	return func(l *Listener) { l.sched = s }
}

// WithSinks sets the sinks every finished record is exported to.
func WithSinks(sinks ...export.Sink) Option {
	return func(l *Listener) { l.sink = export.Multi(sinks) }
}

func WithObserver(o Observer) Option {
	return func(l *Listener) { l.observer = o }
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Listener) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithRecentRuns sets how many finished records are kept for lookup.
func WithRecentRuns(n int) Option {
	return func(l *Listener) { l.recent = NewRecentRuns(n) }
}

// WithExportTimeout bounds each sink export.
func WithExportTimeout(d time.Duration) Option {
	return func(l *Listener) { l.exportTimeout = d }
}

func NewListener(exec *core.Executor, pipelines []*core.Pipeline, opts ...Option) *Listener {
	l := &Listener{
		exec:          exec,
		logger:        slog.Default(),
		recent:        NewRecentRuns(100),
		exportTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(l)
	}
	l.SetPipelines(pipelines)
	return l
}

// SetPipelines replaces the pipeline set. Runs already started keep the
// pipeline they captured.
func (l *Listener) SetPipelines(ps []*core.Pipeline) {
	cp := append([]*core.Pipeline(nil), ps...)
	l.pipelines.Store(&cp)
}

// Pipelines returns the current pipeline set.
func (l *Listener) Pipelines() []*core.Pipeline {
	return append([]*core.Pipeline(nil), (*l.pipelines.Load())...)
}

// Pipeline looks up a loaded pipeline by name.
func (l *Listener) Pipeline(name string) (*core.Pipeline, bool) {
	for _, p := range *l.pipelines.Load() {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Async reports whether runs are queued rather than awaited.
func (l *Listener) Async() bool { return l.sched != nil }

// Queued returns the number of runs waiting for a worker.
func (l *Listener) Queued() int {
	if l.sched == nil {
		return 0
	}
	return l.sched.Pending()
}

// Recent returns the in-memory run lookup.
func (l *Listener) Recent() *RecentRuns { return l.recent }

// Match returns the pipelines whose trigger accepts ev, in load order.
// A trigger condition that fails to evaluate counts as no match.
func (l *Listener) Match(ev core.Event) []*core.Pipeline {
	var out []*core.Pipeline
	for _, p := range *l.pipelines.Load() {
		ok, err := p.Trigger().Matches(ev)
		if err != nil {
			l.logger.Warn("Trigger evaluation failed", "pipeline", p.Name(), "event", ev.Kind, "error", err)
			continue
		}
		if ok {
			out = append(out, p)
		}
	}
	if l.observer != nil {
		l.observer.ObserveEvent(ev.Kind, len(out) > 0)
	}
	return out
}

// OnEvent runs every matching pipeline. In sync mode it returns their
// records in pipeline order; in async mode, or when nothing matches, it
// returns nil.
func (l *Listener) OnEvent(ctx context.Context, ev core.Event) []*core.RunRecord {
	d, err := l.Dispatch(ctx, ev)
	if err != nil {
		l.logger.Error("Failed to dispatch event", "event", ev.Kind, "error", err)
	}
	return d.Runs
}

// Dispatch is OnEvent with the matched pipeline names and queueing errors
// reported to the caller.
func (l *Listener) Dispatch(ctx context.Context, ev core.Event) (Dispatch, error) {
	matched := l.Match(ev)
	d := Dispatch{Event: ev, Matched: make([]string, len(matched))}
	for i, p := range matched {
		d.Matched[i] = p.Name()
	}
	if len(matched) == 0 {
		l.logger.Debug("No pipeline matched event", "event", ev.Kind)
		return d, nil
	}
	l.logger.Info("Event matched pipelines", "event", ev.Kind, "pipelines", d.Matched)

	if l.sched != nil {
		d.Queued = true
		var errs []error
		for _, p := range matched {
			p := p
			err := l.sched.Enqueue(func(runCtx context.Context) {
				l.runAndExport(runCtx, p, ev)
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("queue %s: %w", p.Name(), err))
			}
		}
		return d, errors.Join(errs...)
	}

	d.Runs = make([]*core.RunRecord, len(matched))
	var wg sync.WaitGroup
	for i, p := range matched {
		wg.Add(1)
		go func(i int, p *core.Pipeline) {
			defer wg.Done()
			d.Runs[i] = l.runAndExport(ctx, p, ev)
		}(i, p)
	}
	wg.Wait()
	return d, nil
}

// Run starts the named pipeline regardless of its trigger and waits for it.
func (l *Listener) Run(ctx context.Context, name string, ev core.Event) (*core.RunRecord, error) {
	p, ok := l.Pipeline(name)
	if !ok {
		return nil, fmt.Errorf("pipeline %q not loaded", name)
	}
	return l.runAndExport(ctx, p, ev), nil
}

func (l *Listener) runAndExport(ctx context.Context, p *core.Pipeline, ev core.Event) *core.RunRecord {
	rec := l.exec.Run(ctx, p, ev)
	l.recent.Add(rec)
	if l.sink == nil {
		return rec
	}

	// Export even when the run was cancelled by shutdown.
	exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.exportTimeout)
	defer cancel()
	if err := l.sink.Export(exportCtx, rec); err != nil {
		l.logger.Error("Failed to export run", "run", rec.ID, "pipeline", rec.Pipeline, "error", err)
	}
	return rec
}

// Close drains queued runs. It is a no-op in sync mode.
func (l *Listener) Close(ctx context.Context) error {
	if l.sched == nil {
		return nil
	}
	return l.sched.Close(ctx)
}
