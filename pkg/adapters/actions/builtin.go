package actions

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aescanero/dagci/pkg/ports"
)

// checkout fetches the repository into the workspace. Without a repository
// the workspace is left as provisioned.
func (r *Registry) checkout(ctx context.Context, call *Call) (ports.PostAction, error) {
	env := call.Env
	repo := call.Input("repository", env.Trigger.Repository)
	if repo == "" {
		call.Logf("no repository configured, using empty workspace %s", env.Workspace)
		return nil, nil
	}

	rev := call.Input("ref", env.Trigger.SHA)
	if rev == "" {
		rev = env.Trigger.RefName()
	}

	dir := env.Workspace
	if p := call.Input("path", ""); p != "" {
		dir = filepath.Join(env.Workspace, p)
	}

	depth := call.Input("fetch-depth", "1")
	fetch := "git fetch -q"
	if depth != "0" {
		fetch += " --depth " + quote(depth)
	}

	script := strings.Join([]string{
		"mkdir -p " + quote(dir),
		"cd " + quote(dir),
		"git init -q .",
		"git remote add origin " + quote(repositoryURL(repo)),
		fetch + " origin " + quote(rev),
		"git checkout -q FETCH_HEAD",
	}, " && ")

	stepEnv := *env
	stepEnv.WorkDir = env.Workspace
	call = &Call{Ref: call.Ref, Env: &stepEnv, Inputs: call.Inputs}
	return nil, r.sh(ctx, call, script)
}

// repositoryURL turns owner/repo shorthand into a GitHub URL and leaves
// URLs and local paths alone.
func repositoryURL(repo string) string {
	if strings.Contains(repo, "://") || strings.HasPrefix(repo, "/") ||
		strings.HasPrefix(repo, ".") || strings.HasPrefix(repo, "git@") {
		return repo
	}
	return "https://github.com/" + strings.TrimSuffix(repo, ".git") + ".git"
}

// rustToolchain installs a toolchain with rustup. The toolchain comes from
// the `toolchain` input, or from the action version as in
// dtolnay/rust-toolchain@stable.
func (r *Registry) rustToolchain(ctx context.Context, call *Call) (ports.PostAction, error) {
	toolchain := call.Input("toolchain", "")
	if toolchain == "" {
		switch v := call.Ref.Version; v {
		case "master", "main", "v1":
			return nil, fmt.Errorf("%s: toolchain input is required", call.Ref.Name())
		default:
			toolchain = v
		}
	}

	cmd := "rustup toolchain install " + quote(toolchain) + " --profile minimal --no-self-update"
	if c := splitList(call.Input("components", "")); len(c) > 0 {
		cmd += " --component " + quote(strings.Join(c, ","))
	}
	if t := splitList(call.Input("targets", call.Input("target", ""))); len(t) > 0 {
		cmd += " --target " + quote(strings.Join(t, ","))
	}
	cmd += " && rustup default " + quote(toolchain)

	return nil, r.sh(ctx, call, cmd)
}

// cargoDeny runs cargo-deny against the workspace.
func (r *Registry) cargoDeny(ctx context.Context, call *Call) (ports.PostAction, error) {
	parts := []string{"cargo", "deny"}
	if a := call.Input("arguments", ""); a != "" {
		parts = append(parts, a)
	}
	parts = append(parts, call.Input("command", "check"))
	if a := call.Input("command-arguments", ""); a != "" {
		parts = append(parts, a)
	}

	return nil, r.sh(ctx, call, strings.Join(parts, " "))
}

// splitList splits comma, space or newline separated input values.
func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
}
