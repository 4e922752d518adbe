package workflow

import (
	"fmt"
	"strings"
)

// ActionRef is a parsed `uses:` reference, owner/repo[/path]@version.
type ActionRef struct {
	Owner   string
	Repo    string
	Path    string
	Version string
}

// ParseActionRef parses a reusable action reference. Local (./) and
// docker:// references are not supported.
func ParseActionRef(uses string) (ActionRef, error) {
	if strings.HasPrefix(uses, "./") || strings.HasPrefix(uses, "docker://") {
		return ActionRef{}, fmt.Errorf("unsupported action reference %q", uses)
	}
	name, version, ok := strings.Cut(uses, "@")
	if !ok || version == "" {
		return ActionRef{}, fmt.Errorf("action reference %q must include a version", uses)
	}
	parts := strings.SplitN(name, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ActionRef{}, fmt.Errorf("action reference %q must be owner/repo@version", uses)
	}
	ref := ActionRef{Owner: parts[0], Repo: parts[1], Version: version}
	if len(parts) == 3 {
		ref.Path = parts[2]
	}
	return ref, nil
}

// Name returns the lower-cased owner/repo[/path] without the version.
func (r ActionRef) Name() string {
	name := r.Owner + "/" + r.Repo
	if r.Path != "" {
		name += "/" + r.Path
	}
	return strings.ToLower(name)
}

func (r ActionRef) String() string {
	return r.Owner + "/" + r.Repo + pathSuffix(r.Path) + "@" + r.Version
}

func pathSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "/" + p
}
