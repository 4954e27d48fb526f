// Package pathsafety enforces the filesystem-path restrictions required of
// Internal-variant tools that accept a path argument (SPEC_FULL.md §3.6):
// a fixed prefix denylist plus symlink resolution so a tool cannot be
// tricked into operating outside its declared sandbox via a symlink.
package pathsafety

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// deniedPrefixes lists filesystem locations no tool may ever read or write,
// regardless of manifest permissions.
var deniedPrefixes = []string{
	"/System",
	"/private/etc",
	"/Library/Keychains",
	"/private/var/db/TouchID",
}

// Check resolves path to its real, symlink-free form and rejects it if that
// resolved form falls under a denied prefix. It returns the resolved path
// so callers operate on the same file they validated (closing the
// check-then-use TOCTOU gap as tightly as a stdlib-only implementation
// can).
func Check(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The path may not exist yet (a write target); fall back to
		// checking its parent directory's resolved form. A symlink whose
		// target does not exist is checked at the location it points to.
		parent, perr := filepath.EvalSymlinks(filepath.Dir(abs))
		if perr != nil {
			return "", fmt.Errorf("resolve symlinks: %w", err)
		}
		resolved = filepath.Join(parent, filepath.Base(abs))
		if target, lerr := os.Readlink(abs); lerr == nil {
			if !filepath.IsAbs(target) {
				target = filepath.Join(parent, target)
			}
			resolved = filepath.Clean(target)
		}
	}

	if denied(resolved) {
		return "", fmt.Errorf("path %q is within a denied location", resolved)
	}
	return resolved, nil
}

func denied(resolved string) bool {
	for _, prefix := range deniedPrefixes {
		if resolved == prefix || strings.HasPrefix(resolved, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
