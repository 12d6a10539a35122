package core

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// pipelineDoc is the on-disk shape of one pipeline:
//
//	name: coverage
//	on:
//	  pull_request:
//	    types: [opened, synchronize]
//	  if: metadata.base_ref == "main"
//	steps:
//	  - name: checkout
//	    uses: checkout
//	  - name: coverage
//	    uses: coverage
//	    timeout: 25m
//	    with:
//	      command: cargo
//	      args: tarpaulin --timeout 1500 -- --test-threads=1
type pipelineDoc struct {
	Name  string    `yaml:"name"`
	On    yaml.Node `yaml:"on"`
	Steps []stepDoc `yaml:"steps"`
}

type stepDoc struct {
	Name           string         `yaml:"name"`
	Uses           string         `yaml:"uses"`
	With           map[string]any `yaml:"with"`
	Timeout        yaml.Node      `yaml:"timeout"`
	TimeoutMinutes *float64       `yaml:"timeout-minutes"`
}

// pullRequestTypes maps pull_request activity types to event kinds.
var pullRequestTypes = map[string]EventKind{
	"opened":      EventPullRequestOpened,
	"synchronize": EventPullRequestUpdated,
	"updated":     EventPullRequestUpdated,
	"reopened":    EventPullRequestReopened,
	"closed":      EventPullRequestClosed,
}

var defaultPullRequestTypes = []string{"opened", "synchronize", "reopened"}

// ParsePipelines parses YAML content into pipeline definitions. The document
// is either a single pipeline or a `pipelines:` list. source names the
// document in errors and supplies the default name of an unnamed single
// pipeline.
func ParsePipelines(data []byte, source string) ([]*Pipeline, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &DefinitionError{Pipeline: sourceName(source), Reason: "empty pipeline document"}
	}

	var multi struct {
		Pipelines []pipelineDoc `yaml:"pipelines"`
	}
	if err := yaml.Unmarshal(data, &multi); err != nil {
		return nil, &DefinitionError{Pipeline: sourceName(source), Reason: fmt.Sprintf("yaml parse: %v", err)}
	}

	docs := multi.Pipelines
	if len(docs) == 0 {
		var single pipelineDoc
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, &DefinitionError{Pipeline: sourceName(source), Reason: fmt.Sprintf("yaml parse: %v", err)}
		}
		if single.Name == "" {
			single.Name = sourceName(source)
		}
		docs = []pipelineDoc{single}
	}

	out := make([]*Pipeline, 0, len(docs))
	seen := make(map[string]bool, len(docs))
	for i, doc := range docs {
		if doc.Name == "" {
			return nil, &DefinitionError{Field: fmt.Sprintf("pipelines[%d].name", i), Reason: "must be a non-empty string"}
		}
		if seen[doc.Name] {
			return nil, &DefinitionError{Pipeline: doc.Name, Reason: "duplicate pipeline name"}
		}
		seen[doc.Name] = true

		p, err := buildPipeline(doc)
		if err != nil {
			return nil, err
		}
		if source != "" {
			p = p.withSource(source)
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadPipeline reads one pipeline file.
func LoadPipeline(path string) ([]*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return ParsePipelines(data, path)
}

// LoadDir loads every *.yaml / *.yml file in dir, in file name order.
// Pipeline names must be unique across the directory.
func LoadDir(dir string) ([]*Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipelines dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	var out []*Pipeline
	owner := make(map[string]string)
	for _, f := range files {
		ps, err := LoadPipeline(f)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			if prev, dup := owner[p.Name()]; dup {
				return nil, &DefinitionError{Pipeline: p.Name(), Reason: fmt.Sprintf("defined in both %s and %s", prev, f)}
			}
			owner[p.Name()] = f
			out = append(out, p)
		}
	}
	return out, nil
}

// Load accepts a pipeline file or a directory of pipeline files.
func Load(path string) ([]*Pipeline, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat pipelines: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadPipeline(path)
}

// ValidateHandlers checks that every step names a registered handler.
func ValidateHandlers(pipelines []*Pipeline, reg *Registry) error {
	var errs []error
	for _, p := range pipelines {
		for i, s := range p.steps {
			if !reg.Has(s.Handler()) {
				errs = append(errs, &DefinitionError{
					Pipeline: p.Name(),
					Field:    fmt.Sprintf("steps[%d].uses", i),
					Reason:   fmt.Sprintf("unknown handler %q", s.Handler()),
				})
			}
		}
	}
	return errors.Join(errs...)
}

func buildPipeline(doc pipelineDoc) (*Pipeline, error) {
	trigger, err := parseTrigger(doc.Name, &doc.On)
	if err != nil {
		return nil, err
	}

	steps := make([]Step, 0, len(doc.Steps))
	for i, sd := range doc.Steps {
		timeout, err := parseTimeout(&sd)
		if err != nil {
			return nil, &DefinitionError{Pipeline: doc.Name, Field: fmt.Sprintf("steps[%d].timeout", i), Reason: err.Error()}
		}
		steps = append(steps, NewStep(sd.Name, sd.Uses, sd.With, timeout))
	}
	return NewPipeline(doc.Name, trigger, steps)
}

// parseTrigger accepts `on: pull_request`, `on: [pull_request, push]` or the
// mapping form with per-event options and an `if` condition.
func parseTrigger(pipeline string, n *yaml.Node) (*Trigger, error) {
	fail := func(reason string) error {
		return &DefinitionError{Pipeline: pipeline, Field: "on", Reason: reason}
	}

	var kinds []EventKind
	var condition string

	switch n.Kind {
	case 0:
		return nil, fail("a trigger is required")
	case yaml.ScalarNode:
		ks, err := eventKinds(n.Value, nil)
		if err != nil {
			return nil, fail(err.Error())
		}
		kinds = ks
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fail("list entries must be event names")
			}
			ks, err := eventKinds(item.Value, nil)
			if err != nil {
				return nil, fail(err.Error())
			}
			kinds = append(kinds, ks...)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i].Value, n.Content[i+1]
			if key == "if" {
				if val.Kind != yaml.ScalarNode {
					return nil, fail("if must be an expression string")
				}
				condition = val.Value
				continue
			}
			var opts struct {
				Types []string `yaml:"types"`
			}
			if val.Kind == yaml.MappingNode {
				if err := val.Decode(&opts); err != nil {
					return nil, fail(fmt.Sprintf("%s: %v", key, err))
				}
			}
			ks, err := eventKinds(key, opts.Types)
			if err != nil {
				return nil, fail(err.Error())
			}
			kinds = append(kinds, ks...)
		}
	default:
		return nil, fail("must be an event name, a list or a mapping")
	}

	if len(kinds) == 0 {
		return nil, fail("no events selected")
	}
	t, err := NewTrigger(kinds, condition)
	if err != nil {
		return nil, &DefinitionError{Pipeline: pipeline, Field: "on.if", Reason: err.Error()}
	}
	return t, nil
}

func eventKinds(name string, types []string) ([]EventKind, error) {
	switch name {
	case "pull_request":
		if len(types) == 0 {
			types = defaultPullRequestTypes
		}
		out := make([]EventKind, 0, len(types))
		for _, t := range types {
			k, ok := pullRequestTypes[t]
			if !ok {
				return nil, fmt.Errorf("unsupported pull_request type %q", t)
			}
			out = append(out, k)
		}
		return out, nil
	case "workflow_dispatch", "manual":
		return []EventKind{EventManual}, nil
	case "":
		return nil, errors.New("empty event name")
	default:
		if len(types) > 0 {
			return nil, fmt.Errorf("%s does not take types", name)
		}
		return []EventKind{EventKind(name)}, nil
	}
}

// parseTimeout reads `timeout: 25m`, `timeout: 1500` (seconds) or
// `timeout-minutes: 25`. No timeout means unbounded.
func parseTimeout(sd *stepDoc) (*time.Duration, error) {
	if sd.TimeoutMinutes != nil && sd.Timeout.Kind != 0 {
		return nil, errors.New("set either timeout or timeout-minutes, not both")
	}
	if sd.TimeoutMinutes != nil {
		if !finite(*sd.TimeoutMinutes) {
			return nil, errors.New("must be a finite number")
		}
		if *sd.TimeoutMinutes < 0 {
			return nil, errors.New("must not be negative")
		}
		d := time.Duration(*sd.TimeoutMinutes * float64(time.Minute))
		return &d, nil
	}
	if sd.Timeout.Kind == 0 {
		return nil, nil
	}
	if sd.Timeout.Kind != yaml.ScalarNode {
		return nil, errors.New("must be a duration string or a number of seconds")
	}
	raw := strings.TrimSpace(sd.Timeout.Value)
	var d time.Duration
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if !finite(secs) {
			return nil, fmt.Errorf("invalid duration %q", raw)
		}
		d = time.Duration(secs * float64(time.Second))
	} else {
		d, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q", raw)
		}
	}
	if d < 0 {
		return nil, errors.New("must not be negative")
	}
	return &d, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func sourceName(source string) string {
	base := filepath.Base(source)
	if source == "" || base == "." {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
