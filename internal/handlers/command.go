// Package handlers provides the built-in step capabilities: shell commands,
// git checkout, toolchain installation, coverage runs and object upload.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command is one external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
}

// Shell wraps a script in "sh -c".
func Shell(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}}
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandResult is the combined output and exit code of a finished process.
type CommandResult struct {
	Output   string
	ExitCode int
}

// CommandRunner runs external commands. A non-zero exit is reported through
// CommandResult.ExitCode with a nil error; the error is reserved for
// processes that could not be started or were interrupted.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

// ExecRunner runs commands with os/exec, bound to ctx.
type ExecRunner struct {
	// WaitDelay bounds how long to wait for output pipes after the process
	// is killed on cancellation.
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, c Command) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := CommandResult{Output: out.String()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", c.Name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("start %s: %w", c.Name, err)
	}
	return res, nil
}

// ExitError reports a command that exited with a non-zero code.
type ExitError struct {
	Command string
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
}

// runAll runs cmds in order, stopping at the first failure. Outputs are
// concatenated.
func runAll(ctx context.Context, r CommandRunner, cmds ...Command) (CommandResult, error) {
	var out strings.Builder
	for _, c := range cmds {
		res, err := r.Run(ctx, c)
		out.WriteString(res.Output)
		if err != nil {
			return CommandResult{Output: out.String(), ExitCode: -1}, err
		}
		if res.ExitCode != 0 {
			return CommandResult{Output: out.String(), ExitCode: res.ExitCode},
				&ExitError{Command: c.String(), Code: res.ExitCode}
		}
	}
	return CommandResult{Output: out.String()}, nil
}

// shellQuote quotes s for use as a single sh word.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == '+' || r == ',' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
