package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscapesWorkspace is returned for paths outside the workspace root.
var ErrEscapesWorkspace = errors.New("path escapes workspace")

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

func (r Resolver) root() (string, error) {
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	return abs, nil
}

// Resolve returns an absolute, cleaned path within the workspace root.
// Symlinks that point outside the root are rejected.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	rootAbs, err := r.root()
	if err != nil {
		return "", err
	}

	target := clean
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, target)
	}
	target = filepath.Clean(target)
	if !within(rootAbs, target) {
		return "", ErrEscapesWorkspace
	}

	if real, err := evalExisting(target); err == nil {
		realRoot, rootErr := filepath.EvalSymlinks(rootAbs)
		if rootErr != nil {
			realRoot = rootAbs
		}
		if !within(realRoot, real) {
			return "", ErrEscapesWorkspace
		}
	}
	return target, nil
}

// Rel returns path relative to the workspace root, for display.
func (r Resolver) Rel(path string) string {
	rootAbs, err := r.root()
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(rootAbs, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// evalExisting resolves symlinks in the longest existing prefix of path.
func evalExisting(path string) (string, error) {
	missing := ""
	for current := path; ; {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(real, missing), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		missing = filepath.Join(filepath.Base(current), missing)
		current = parent
	}
}
