package handlers

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Step configuration decoded from YAML arrives as map[string]any; these
// helpers read typed values out of it.

func stringOpt(cfg map[string]any, key string) (string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return "", nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case int, int64, float64, bool:
		return fmt.Sprint(t), nil
	default:
		return "", fmt.Errorf("with.%s: expected a string, got %T", key, v)
	}
}

func requireString(cfg map[string]any, key string) (string, error) {
	s, err := stringOpt(cfg, key)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("with.%s is required", key)
	}
	return s, nil
}

func boolOpt(cfg map[string]any, key string, def bool) (bool, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return def, fmt.Errorf("with.%s: %w", key, err)
		}
		return b, nil
	default:
		return def, fmt.Errorf("with.%s: expected a boolean, got %T", key, v)
	}
}

func intOpt(cfg map[string]any, key string, def int) (int, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t != float64(int(t)) {
			return def, fmt.Errorf("with.%s: expected an integer, got %v", key, t)
		}
		return int(t), nil
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return def, fmt.Errorf("with.%s: %w", key, err)
		}
		return n, nil
	default:
		return def, fmt.Errorf("with.%s: expected an integer, got %T", key, v)
	}
}

// listOpt accepts a list of scalars or a single string. A string is split
// on whitespace when split is set, otherwise returned as one element.
func listOpt(cfg map[string]any, key string, split bool) ([]string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case string:
		if split {
			return strings.Fields(t), nil
		}
		return []string{t}, nil
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for i, item := range t {
			switch item.(type) {
			case string, int, int64, float64, bool:
				out = append(out, fmt.Sprint(item))
			default:
				return nil, fmt.Errorf("with.%s[%d]: expected a scalar, got %T", key, i, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("with.%s: expected a list or string, got %T", key, v)
	}
}

// envOpt reads a map of environment variables as sorted KEY=value pairs.
func envOpt(cfg map[string]any, key string) ([]string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("with.%s: expected a mapping, got %T", key, v)
	}
	out := make([]string, 0, len(m))
	for k, val := range m {
		out = append(out, k+"="+fmt.Sprint(val))
	}
	sort.Strings(out)
	return out, nil
}

// workdir resolves with.<key> against the run workspace. Absolute paths and
// paths escaping the workspace are rejected when a workspace is set.
func workdir(workspace string, cfg map[string]any, key string) (string, error) {
	rel, err := stringOpt(cfg, key)
	if err != nil {
		return "", err
	}
	if workspace == "" {
		return rel, nil
	}
	if rel == "" {
		return workspace, nil
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("with.%s must be relative to the workspace", key)
	}
	dir := filepath.Join(workspace, rel)
	if r, err := filepath.Rel(workspace, dir); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("with.%s escapes the workspace", key)
	}
	return dir, nil
}
