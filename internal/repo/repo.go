// Package repo validates and canonicalizes repository roots.
//
// A root is resolved on every call and never cached: the directory behind a
// path may be swapped between two requests.
package repo

import (
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/jkaninda/gitguard/internal/security"
)

// Root is a canonical, absolute path to a directory containing git metadata.
type Root struct {
	Path string
}

// String returns the canonical path.
func (r Root) String() string { return r.Path }

// Resolver validates candidate roots against a set of allowed boundaries.
type Resolver struct {
	boundaries []string
}

// NewResolver creates a resolver. Each boundary is a directory under which
// roots are allowed. An empty list allows any repository on the host.
func NewResolver(boundaries []string) *Resolver {
	b := make([]string, 0, len(boundaries))
	for _, p := range boundaries {
		if strings.TrimSpace(p) != "" {
			b = append(b, p)
		}
	}
	return &Resolver{boundaries: b}
}

// Boundaries returns the configured boundaries as given.
func (r *Resolver) Boundaries() []string {
	return append([]string(nil), r.boundaries...)
}

// Resolve validates candidate and returns its canonical form.
// All failures are security.KindInvalidRoot errors.
func (r *Resolver) Resolve(candidate string) (Root, error) {
	if strings.TrimSpace(candidate) == "" {
		return Root{}, security.Errorf(security.KindInvalidRoot, "repository root is required")
	}
	if strings.ContainsRune(candidate, 0) {
		return Root{}, security.Errorf(security.KindInvalidRoot, "repository root contains a NUL byte")
	}
	if hasTraversal(candidate) {
		return Root{}, security.Errorf(security.KindInvalidRoot, "repository root %q contains '..' segments", candidate)
	}

	expanded, err := expandHome(candidate)
	if err != nil {
		return Root{}, security.Wrap(security.KindInvalidRoot, err, "expanding repository root")
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return Root{}, security.Wrap(security.KindInvalidRoot, err, "resolving repository root")
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Root{}, security.Errorf(security.KindInvalidRoot, "repository root %q does not exist", candidate)
		}
		return Root{}, security.Wrap(security.KindInvalidRoot, err, "resolving repository root")
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return Root{}, security.Wrap(security.KindInvalidRoot, err, "inspecting repository root")
	}
	if !info.IsDir() {
		return Root{}, security.Errorf(security.KindInvalidRoot, "repository root %q is not a directory", candidate)
	}
	if _, err := os.Lstat(filepath.Join(canonical, ".git")); err != nil {
		return Root{}, security.Errorf(security.KindInvalidRoot, "%q is not a git repository (no .git entry)", candidate)
	}

	if len(r.boundaries) > 0 {
		allowed := false
		for _, b := range r.boundaries {
			cb, err := canonicalBoundary(b)
			if err != nil {
				continue
			}
			if within(cb, canonical) {
				allowed = true
				break
			}
		}
		if !allowed {
			return Root{}, security.Errorf(security.KindInvalidRoot, "repository root %q is outside the allowed directories", candidate)
		}
	}

	return Root{Path: canonical}, nil
}

// Confine validates a caller-supplied pathspec relative to root and returns
// it in slash form. Absolute paths, traversal, pathspec magic and symlinks
// that leave the root are rejected.
func Confine(root Root, p string) (string, error) {
	switch {
	case p == "":
		return "", security.Errorf(security.KindInvalidRoot, "empty path")
	case strings.ContainsRune(p, 0):
		return "", security.Errorf(security.KindInvalidRoot, "path contains a NUL byte")
	case strings.HasPrefix(p, ":"):
		return "", security.Errorf(security.KindInvalidRoot, "pathspec magic is not supported: %q", p)
	case filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) || filepath.VolumeName(p) != "":
		return "", security.Errorf(security.KindInvalidRoot, "path %q must be relative to the repository root", p)
	case hasTraversal(p):
		return "", security.Errorf(security.KindInvalidRoot, "path %q contains '..' segments", p)
	}

	lexical := filepath.Join(root.Path, p)
	if resolved, err := filepath.EvalSymlinks(lexical); err == nil && !within(root.Path, resolved) {
		return "", security.Errorf(security.KindInvalidRoot, "path %q resolves outside the repository", p)
	}
	joined, err := securejoin.SecureJoin(root.Path, p)
	if err != nil {
		return "", security.Wrap(security.KindInvalidRoot, err, "confining path")
	}
	if !within(root.Path, joined) {
		return "", security.Errorf(security.KindInvalidRoot, "path %q resolves outside the repository", p)
	}
	return filepath.ToSlash(filepath.Clean(p)), nil
}

func hasTraversal(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

func canonicalBoundary(b string) (string, error) {
	expanded, err := expandHome(b)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// within reports whether target equals base or lies beneath it.
func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
