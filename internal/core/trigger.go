package core

import (
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Trigger decides which events start a pipeline. An event matches when its
// kind is accepted and the optional condition evaluates to true.
//
// The condition is an expr-lang expression over:
//
//	kind     string
//	metadata map[string]any
//
// e.g. `metadata.base_ref == "main" && !(metadata.draft ?? false)`.
type Trigger struct {
	kinds     map[EventKind]struct{}
	condition string
	program   *vm.Program
}

// NewTrigger compiles a trigger. An empty kinds list accepts every kind.
func NewTrigger(kinds []EventKind, condition string) (*Trigger, error) {
	t := &Trigger{
		kinds:     make(map[EventKind]struct{}, len(kinds)),
		condition: strings.TrimSpace(condition),
	}
	for _, k := range kinds {
		t.kinds[k] = struct{}{}
	}
	if t.condition != "" {
		program, err := expr.Compile(t.condition, expr.Env(triggerEnv(Event{})), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile trigger condition: %w", err)
		}
		t.program = program
	}
	return t, nil
}

// MustTrigger is NewTrigger for static definitions; it panics on error.
func MustTrigger(kinds []EventKind, condition string) *Trigger {
	t, err := NewTrigger(kinds, condition)
	if err != nil {
		panic(err)
	}
	return t
}

// Matches evaluates the trigger against ev. An evaluation error never matches.
func (t *Trigger) Matches(ev Event) (bool, error) {
	if len(t.kinds) > 0 {
		if _, ok := t.kinds[ev.Kind]; !ok {
			return false, nil
		}
	}
	if t.program == nil {
		return true, nil
	}
	out, err := expr.Run(t.program, triggerEnv(ev))
	if err != nil {
		return false, fmt.Errorf("evaluate trigger condition %q: %w", t.condition, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Kinds returns the accepted event kinds, sorted. Empty means any kind.
func (t *Trigger) Kinds() []EventKind {
	out := make([]EventKind, 0, len(t.kinds))
	for k := range t.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Condition returns the source of the trigger condition, or "".
func (t *Trigger) Condition() string { return t.condition }

func triggerEnv(ev Event) map[string]any {
	md := ev.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return map[string]any{
		"kind":     string(ev.Kind),
		"metadata": md,
	}
}
