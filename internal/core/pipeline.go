package core

import (
	"fmt"
	"strings"
	"time"
)

// Step describes one named unit of work inside a pipeline.
// Steps are immutable once built; accessors return copies.
type Step struct {
	name    string
	handler string
	config  map[string]any
	timeout *time.Duration
}

// NewStep builds a step descriptor. A nil timeout means unbounded.
func NewStep(name, handler string, config map[string]any, timeout *time.Duration) Step {
	s := Step{
		name:    name,
		handler: handler,
		config:  cloneMap(config),
	}
	if timeout != nil {
		d := *timeout
		s.timeout = &d
	}
	return s
}

// Name is unique within its pipeline.
func (s Step) Name() string { return s.name }

// Handler is the registry id of the capability that runs the step.
func (s Step) Handler() string { return s.handler }

// Config returns a copy of the step configuration, passed verbatim to the handler.
func (s Step) Config() map[string]any { return cloneMap(s.config) }

// Timeout returns the step timeout and whether one is set.
func (s Step) Timeout() (time.Duration, bool) {
	if s.timeout == nil {
		return 0, false
	}
	return *s.timeout, true
}

// Pipeline is one trigger plus an ordered, non-empty list of steps.
// Pipelines are read-only after construction and safe to share across runs.
type Pipeline struct {
	name    string
	source  string
	trigger *Trigger
	steps   []Step
}

// NewPipeline validates and builds a pipeline definition.
func NewPipeline(name string, trigger *Trigger, steps []Step) (*Pipeline, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &DefinitionError{Field: "name", Reason: "must be a non-empty string"}
	}
	if trigger == nil {
		return nil, &DefinitionError{Pipeline: name, Field: "on", Reason: "a trigger is required"}
	}
	if len(steps) == 0 {
		return nil, &DefinitionError{Pipeline: name, Field: "steps", Reason: "must contain at least one step"}
	}

	seen := make(map[string]int, len(steps))
	for i, s := range steps {
		field := fmt.Sprintf("steps[%d]", i)
		if strings.TrimSpace(s.name) == "" {
			return nil, &DefinitionError{Pipeline: name, Field: field + ".name", Reason: "must be a non-empty string"}
		}
		if strings.TrimSpace(s.handler) == "" {
			return nil, &DefinitionError{Pipeline: name, Field: field + ".uses", Reason: "handler id is required"}
		}
		if prev, dup := seen[s.name]; dup {
			return nil, &DefinitionError{Pipeline: name, Field: field + ".name",
				Reason: fmt.Sprintf("duplicate step name %q (also steps[%d])", s.name, prev)}
		}
		if d, ok := s.Timeout(); ok && d < 0 {
			return nil, &DefinitionError{Pipeline: name, Field: field + ".timeout", Reason: "must not be negative"}
		}
		seen[s.name] = i
	}

	return &Pipeline{
		name:    name,
		trigger: trigger,
		steps:   append([]Step(nil), steps...),
	}, nil
}

func (p *Pipeline) Name() string      { return p.name }
func (p *Pipeline) Trigger() *Trigger { return p.trigger }
func (p *Pipeline) Len() int          { return len(p.steps) }

// Source is the file the pipeline was loaded from, if any.
func (p *Pipeline) Source() string { return p.source }

// Steps returns the steps in execution order.
func (p *Pipeline) Steps() []Step {
	return append([]Step(nil), p.steps...)
}

// Step returns the i-th step.
func (p *Pipeline) Step(i int) Step { return p.steps[i] }

// withSource returns a copy of p annotated with its source path.
func (p *Pipeline) withSource(path string) *Pipeline {
	cp := *p
	cp.source = path
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
