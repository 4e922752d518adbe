package actions

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
	"go.uber.org/zap"
)

// cacheSpec describes what a cache step restores and saves.
type cacheSpec struct {
	key   string
	paths []string
}

// genericCache implements actions/cache with `key` and `path` inputs.
func (r *Registry) genericCache(ctx context.Context, call *Call) (ports.PostAction, error) {
	key := call.Input("key", "")
	if key == "" {
		return nil, errors.New("actions/cache: key input is required")
	}
	paths := splitLines(call.Input("path", ""))
	if len(paths) == 0 {
		return nil, errors.New("actions/cache: path input is required")
	}
	return r.restoreCache(ctx, call, cacheSpec{key: key, paths: resolvePaths(call.Env, paths)})
}

// rustCache implements Swatinem/rust-cache: the cargo registry, git
// checkouts and target directory keyed on the lockfile and manifests.
func (r *Registry) rustCache(ctx context.Context, call *Call) (ports.PostAction, error) {
	dir := call.Env.WorkDir
	if dir == "" {
		dir = call.Env.Workspace
	}
	if ws := call.Input("workspaces", ""); ws != "" {
		dir = filepath.Join(call.Env.Workspace, strings.TrimSpace(strings.SplitN(splitLines(ws)[0], "->", 2)[0]))
	}

	digest, err := hashFiles(dir, "Cargo.lock", "Cargo.toml", "rust-toolchain", "rust-toolchain.toml", "*/Cargo.toml")
	if err != nil {
		call.Logf("warning: failed to hash cargo manifests: %v", err)
	}
	if digest == "" {
		digest = "none"
	}

	prefix := call.Input("prefix-key", "v0-rust")
	scope := call.Input("shared-key", call.Env.JobName)
	parts := []string{prefix, scope}
	if k := call.Input("key", ""); k != "" {
		parts = append(parts, k)
	}
	for _, name := range slices.Sorted(maps.Keys(call.Env.Matrix)) {
		parts = append(parts, call.Env.Matrix[name])
	}
	parts = append(parts, digest)

	paths := []string{"~/.cargo/registry/index", "~/.cargo/registry/cache", "~/.cargo/git/db", filepath.Join(dir, "target")}
	if call.Input("cache-targets", "true") == "false" {
		paths = paths[:3]
	}

	return r.restoreCache(ctx, call, cacheSpec{key: strings.Join(parts, "-"), paths: resolvePaths(call.Env, paths)})
}

// restoreCache restores spec from the shared cache and returns a post action
// that saves it when the job succeeded and the key was not already cached.
// Misses and corrupted entries are logged and otherwise ignored.
func (r *Registry) restoreCache(ctx context.Context, call *Call, spec cacheSpec) (ports.PostAction, error) {
	hit := false

	if r.cache == nil {
		call.Logf("cache not configured, skipping restore of %s", spec.key)
	} else {
		data, err := r.cache.Get(ctx, spec.key)
		switch {
		case errors.Is(err, domain.ErrCacheMiss):
			call.Logf("cache miss for key %s", spec.key)
		case err != nil:
			call.Logf("warning: cache lookup for %s failed: %v", spec.key, err)
		default:
			n, err := unpackPaths(data, spec.paths)
			if err != nil {
				call.Logf("warning: discarding cache entry %s: %v", spec.key, err)
			} else {
				hit = true
				call.Logf("restored %d files from cache key %s", n, spec.key)
			}
		}
		r.recordCacheLookup(hit)
	}

	r.logger.Debug("cache restore",
		zap.String("run_id", call.Env.RunID),
		zap.String("job", call.Env.JobName),
		zap.String("key", spec.key),
		zap.Bool("hit", hit))

	if hit || r.cache == nil {
		return nil, nil
	}

	return func(ctx context.Context, env *ports.StepEnv, succeeded bool) error {
		if !succeeded {
			return nil
		}
		logf := func(format string, args ...any) {
			if env.Output != nil {
				fmt.Fprintf(env.Output, format+"\n", args...)
			}
		}
		limit := r.cacheLimit()
		data, files, err := packToFile("", spec.paths, limit)
		if errors.Is(err, errArchiveTooLarge) {
			logf("warning: not saving cache %s: archive exceeds %d bytes", spec.key, limit)
			r.logger.Warn("cache archive too large",
				zap.String("run_id", env.RunID),
				zap.String("key", spec.key),
				zap.Int64("limit", limit))
			return nil
		}
		if err != nil {
			logf("warning: failed to archive cache %s: %v", spec.key, err)
			return nil
		}
		if files == 0 {
			logf("nothing to cache for key %s", spec.key)
			return nil
		}
		if err := r.cache.Put(ctx, spec.key, data); err != nil {
			logf("warning: failed to save cache %s: %v", spec.key, err)
			return nil
		}
		logf("saved %d files to cache key %s", files, spec.key)
		return nil
	}, nil
}

// resolvePaths expands ~ and makes relative paths absolute against the
// step's working directory.
func resolvePaths(env *ports.StepEnv, paths []string) []string {
	base := env.WorkDir
	if base == "" {
		base = env.Workspace
	}
	home := env.Env["HOME"]
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	out := make([]string, 0, len(paths))
	for _, p := range paths {
		switch {
		case p == "~":
			p = home
		case strings.HasPrefix(p, "~/"):
			p = filepath.Join(home, p[2:])
		case !filepath.IsAbs(p):
			p = filepath.Join(base, p)
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
