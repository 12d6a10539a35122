package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"pullci/internal/core"
)

// Coverage runs a coverage tool and interprets its result.
//
//	with:
//	  command: cargo tarpaulin
//	  args: [--out, Xml, --fail-under, "80"]   (or a single string)
//	  fail_pattern: "coverage .* below threshold"
//	  report: cobertura.xml
//	  workdir: src
//	  env: {RUST_BACKTRACE: "1"}
//
// A non-zero exit fails the step. A line matching fail_pattern also fails
// it, even on a zero exit, and becomes the step message.
type Coverage struct {
	Runner CommandRunner
}

func (h *Coverage) Execute(ctx context.Context, in core.StepInput) (core.ExitInfo, error) {
	command, err := requireString(in.Config, "command")
	if err != nil {
		return configFailure(err)
	}
	script := command
	if s, ok := in.Config["args"].(string); ok {
		script += " " + s
	} else {
		args, err := listOpt(in.Config, "args", false)
		if err != nil {
			return configFailure(err)
		}
		for _, a := range args {
			script += " " + shellQuote(a)
		}
	}
	var failRe *regexp.Regexp
	if pat, err := stringOpt(in.Config, "fail_pattern"); err != nil {
		return configFailure(err)
	} else if pat != "" {
		failRe, err = regexp.Compile(pat)
		if err != nil {
			return configFailure(fmt.Errorf("with.fail_pattern: %w", err))
		}
	}
	dir, err := workdir(in.Workspace, in.Config, "workdir")
	if err != nil {
		return configFailure(err)
	}
	env, err := envOpt(in.Config, "env")
	if err != nil {
		return configFailure(err)
	}
	report, err := stringOpt(in.Config, "report")
	if err != nil {
		return configFailure(err)
	}

	cmd := Shell(script)
	cmd.Dir = dir
	cmd.Env = env
	res, runErr := runAll(ctx, h.Runner, cmd)

	info := core.ExitInfo{Code: res.ExitCode, Output: res.Output}
	matched := ""
	if failRe != nil {
		matched = matchLine(failRe, res.Output)
	}
	switch {
	case runErr != nil:
		info.Message = runErr.Error()
		if matched != "" {
			info.Message = matched
		}
		if info.Code == 0 {
			info.Code = -1
		}
		return info, runErr
	case matched != "":
		info.Code = 1
		info.Message = matched
		return info, fmt.Errorf("coverage check failed: %s", matched)
	}

	info.Message = "coverage succeeded"
	if report != "" {
		path := report
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, report)
		}
		if _, err := os.Stat(path); err != nil {
			info.Code = -1
			info.Message = fmt.Sprintf("coverage report %s not produced", report)
			return info, fmt.Errorf("coverage report: %w", err)
		}
		info.Details = map[string]any{"report": path}
	}
	return info, nil
}

func matchLine(re *regexp.Regexp, output string) string {
	for _, line := range strings.Split(output, "\n") {
		if re.MatchString(line) {
			return strings.TrimSpace(line)
		}
	}
	return ""
}
