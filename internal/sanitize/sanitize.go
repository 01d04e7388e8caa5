// Package sanitize provides input validation for untrusted paths.
package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validation errors for security checks.
var (
	// ErrPathTraversal indicates a path escapes its allowed root.
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrAbsolutePath indicates an absolute path was provided where relative was expected.
	ErrAbsolutePath = errors.New("absolute path not allowed")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")
)

// ResolveWithinRoot validates an untrusted relative path and resolves it to
// an absolute path under root. It rejects, without touching the filesystem:
//   - empty paths
//   - absolute paths
//   - paths whose normalized form escapes root via ".." segments
func ResolveWithinRoot(root, path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s", ErrAbsolutePath, path)
	}

	// Normalize first so "a/../../b" is judged by where it actually lands.
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}

	abs := filepath.Join(absRoot, clean)

	// Re-check the resolved path against the root; Join cleans again, so any
	// residual escape shows up here.
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes allowed root", ErrPathTraversal)
	}

	return abs, nil
}
