package handlers

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"pullci/internal/core"
)

const (
	// DefaultToolchainInstall installs a toolchain. {{toolchain}} is replaced
	// with the requested toolchain name.
	DefaultToolchainInstall = "rustup toolchain install {{toolchain}} --profile minimal"
	// DefaultComponentAdd adds components; {{components}} is the
	// space-separated component list.
	DefaultComponentAdd = "rustup component add --toolchain {{toolchain}} {{components}}"
)

var toolchainName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)

// Toolchain installs a compiler toolchain and optionally checks it with a
// probe command.
//
//	with:
//	  toolchain: 1.75.0
//	  components: [llvm-tools-preview]
//	  probe: cargo +{{toolchain}} --version
//	  installer: <command template overriding the default>
type Toolchain struct {
	Runner       CommandRunner
	Install      string
	ComponentAdd string
}

func (h *Toolchain) Execute(ctx context.Context, in core.StepInput) (core.ExitInfo, error) {
	name, err := requireString(in.Config, "toolchain")
	if err != nil {
		return configFailure(err)
	}
	if !toolchainName.MatchString(name) {
		return configFailure(fmt.Errorf("with.toolchain: invalid toolchain name %q", name))
	}
	components, err := listOpt(in.Config, "components", true)
	if err != nil {
		return configFailure(err)
	}
	for _, c := range components {
		if !toolchainName.MatchString(c) {
			return configFailure(fmt.Errorf("with.components: invalid component %q", c))
		}
	}
	install, err := stringOpt(in.Config, "installer")
	if err != nil {
		return configFailure(err)
	}
	if install == "" {
		install = h.Install
	}
	probe, err := stringOpt(in.Config, "probe")
	if err != nil {
		return configFailure(err)
	}

	vars := map[string]string{"toolchain": name, "components": strings.Join(components, " ")}
	cmds := []Command{Shell(expand(install, vars))}
	if len(components) > 0 {
		cmds = append(cmds, Shell(expand(h.ComponentAdd, vars)))
	}
	for i := range cmds {
		cmds[i].Dir = in.Workspace
	}
	res, err := runAll(ctx, h.Runner, cmds...)
	if err != nil {
		return commandFailure(res, err)
	}

	info := core.ExitInfo{
		Output:  res.Output,
		Message: "installed toolchain " + name,
		Details: map[string]any{"toolchain": name},
	}
	if probe == "" {
		return info, nil
	}

	probeCmd := Shell(expand(probe, vars))
	probeCmd.Dir = in.Workspace
	pres, err := runAll(ctx, h.Runner, probeCmd)
	info.Output += pres.Output
	if err != nil {
		info.Code = pres.ExitCode
		if info.Code == 0 {
			info.Code = -1
		}
		info.Message = fmt.Sprintf("toolchain %s probe failed: %v", name, err)
		return info, err
	}
	info.Details["version"] = strings.TrimSpace(pres.Output)
	return info, nil
}

// expand substitutes {{key}} placeholders.
func expand(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
