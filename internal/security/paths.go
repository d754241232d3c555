package security

import (
	"errors"
	"path/filepath"
	"strings"
)

// WithinRoot reports whether path's real location is root or beneath it.
// Symlinks are resolved before comparison so a link pointing outside the
// root cannot escape it.
func WithinRoot(path, root string) (string, error) {
	if path == "" || root == "" {
		return "", errors.New("path and root required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	real = filepath.Clean(real)
	rootReal, err := filepath.EvalSymlinks(filepath.Clean(root))
	if err != nil {
		rootReal = filepath.Clean(root)
	}
	rel, err := filepath.Rel(rootReal, real)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..") {
		return real, nil
	}
	return "", errors.New("path outside allowed root")
}
