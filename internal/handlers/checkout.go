package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"pullci/internal/core"
)

// Checkout clones a git repository into the run workspace and checks out
// the requested revision.
//
//	with:
//	  repository: owner/name | URL | local path   (default: event repository)
//	  ref: <sha or ref>                           (default: event head_sha, then ref)
//	  path: <dir in workspace>                    (default: workspace root)
//	  depth: 1                                    (0 fetches full history)
//	  server: https://github.com/
type Checkout struct {
	Runner CommandRunner
}

func (h *Checkout) Execute(ctx context.Context, in core.StepInput) (core.ExitInfo, error) {
	repo, err := stringOpt(in.Config, "repository")
	if err != nil {
		return configFailure(err)
	}
	if repo == "" {
		repo = in.Event.Meta("repository")
	}
	if repo == "" {
		return configFailure(fmt.Errorf("with.repository is required when the event carries no repository"))
	}
	ref, err := stringOpt(in.Config, "ref")
	if err != nil {
		return configFailure(err)
	}
	if ref == "" {
		ref = in.Event.Meta("head_sha")
	}
	if ref == "" {
		ref = in.Event.Meta("ref")
	}
	depth, err := intOpt(in.Config, "depth", 1)
	if err != nil {
		return configFailure(err)
	}
	if depth < 0 {
		return configFailure(fmt.Errorf("with.depth must not be negative"))
	}
	server, err := stringOpt(in.Config, "server")
	if err != nil {
		return configFailure(err)
	}
	dir, err := workdir(in.Workspace, in.Config, "path")
	if err != nil {
		return configFailure(err)
	}
	if dir == "" {
		dir = "."
	}

	url := cloneURL(repo, server)
	cmds := checkoutCommands(url, ref, dir, depth)
	res, err := runAll(ctx, h.Runner, cmds...)
	if err != nil {
		return commandFailure(res, err)
	}
	return core.ExitInfo{
		Output:  res.Output,
		Message: fmt.Sprintf("checked out %s at %s", repo, refOrDefault(ref)),
		Details: map[string]any{"repository": url, "ref": ref, "path": dir},
	}, nil
}

func checkoutCommands(url, ref, dir string, depth int) []Command {
	var depthArgs []string
	if depth > 0 {
		depthArgs = []string{"--depth", strconv.Itoa(depth)}
	}
	if ref == "" {
		args := append([]string{"clone"}, depthArgs...)
		return []Command{{Name: "git", Args: append(args, url, dir)}}
	}
	fetch := append([]string{"-C", dir, "fetch"}, depthArgs...)
	return []Command{
		{Name: "git", Args: []string{"init", "--quiet", dir}},
		{Name: "git", Args: []string{"-C", dir, "remote", "add", "origin", url}},
		{Name: "git", Args: append(fetch, "origin", ref)},
		{Name: "git", Args: []string{"-C", dir, "checkout", "--quiet", "--detach", "FETCH_HEAD"}},
	}
}

// cloneURL expands an owner/name shorthand against server. URLs, scp-style
// addresses and local paths are used as given.
func cloneURL(repo, server string) string {
	if strings.Contains(repo, "://") || strings.HasPrefix(repo, "git@") ||
		strings.HasPrefix(repo, "/") || strings.HasPrefix(repo, ".") {
		return repo
	}
	if server == "" {
		server = "https://github.com/"
	}
	if !strings.HasSuffix(server, "/") {
		server += "/"
	}
	return server + strings.TrimSuffix(repo, ".git") + ".git"
}

func refOrDefault(ref string) string {
	if ref == "" {
		return "default branch"
	}
	return ref
}
