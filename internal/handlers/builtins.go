package handlers

import (
	"context"
	"errors"

	"pullci/internal/core"
)

// Built-in handler ids.
const (
	RunID       = "run"
	CheckoutID  = "checkout"
	ToolchainID = "toolchain"
	CoverageID  = "coverage"
	UploadID    = "upload"
)

// Deps are the collaborators shared by the built-in handlers.
type Deps struct {
	Runner CommandRunner
	// Upload is the operator default for the upload handler; step
	// configuration overrides it field by field.
	Upload UploadConfig
	// NewUploader builds the object store client for one upload. It
	// defaults to NewMinIOUploader.
	NewUploader func(UploadConfig) (Uploader, error)
	// ToolchainInstall and ComponentAdd are command templates. See
	// DefaultToolchainInstall.
	ToolchainInstall string
	ComponentAdd     string
}

func (d Deps) withDefaults() Deps {
	if d.Runner == nil {
		d.Runner = ExecRunner{}
	}
	if d.NewUploader == nil {
		d.NewUploader = NewMinIOUploader
	}
	if d.ToolchainInstall == "" {
		d.ToolchainInstall = DefaultToolchainInstall
	}
	if d.ComponentAdd == "" {
		d.ComponentAdd = DefaultComponentAdd
	}
	return d
}

// RegisterBuiltins registers run, checkout, toolchain, coverage and upload.
func RegisterBuiltins(reg *core.Registry, deps Deps) error {
	deps = deps.withDefaults()
	return errors.Join(
		reg.Register(RunID, &Run{Runner: deps.Runner}),
		reg.Register(CheckoutID, &Checkout{Runner: deps.Runner}),
		reg.Register(ToolchainID, &Toolchain{Runner: deps.Runner, Install: deps.ToolchainInstall, ComponentAdd: deps.ComponentAdd}),
		reg.Register(CoverageID, &Coverage{Runner: deps.Runner}),
		reg.Register(UploadID, &Upload{Defaults: deps.Upload, NewUploader: deps.NewUploader}),
	)
}

// commandFailure converts a failed command into the step's exit info.
func commandFailure(res CommandResult, err error) (core.ExitInfo, error) {
	info := core.ExitInfo{Code: res.ExitCode, Output: res.Output, Message: err.Error()}
	if info.Code == 0 {
		info.Code = -1
	}
	return info, err
}

// configFailure reports a step configuration error.
func configFailure(err error) (core.ExitInfo, error) {
	return core.ExitInfo{Code: -1, Message: err.Error()}, err
}

// Run executes with.run as a shell script.
type Run struct {
	Runner CommandRunner
}

func (h *Run) Execute(ctx context.Context, in core.StepInput) (core.ExitInfo, error) {
	script, err := requireString(in.Config, "run")
	if err != nil {
		return configFailure(err)
	}
	dir, err := workdir(in.Workspace, in.Config, "workdir")
	if err != nil {
		return configFailure(err)
	}
	env, err := envOpt(in.Config, "env")
	if err != nil {
		return configFailure(err)
	}

	cmd := Shell(script)
	cmd.Dir = dir
	cmd.Env = env
	res, err := runAll(ctx, h.Runner, cmd)
	if err != nil {
		return commandFailure(res, err)
	}
	return core.ExitInfo{Output: res.Output}, nil
}
