// Package pathutil provides the path conversion and globbing helpers shared
// by the expression engine and the directory tree.
//
// ppremake uses slash-separated, root-relative paths internally; these
// helpers convert between that form and whatever the host filesystem wants,
// and expand shell-style glob patterns against a base directory.
package pathutil

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IsFullPath reports whether the filename is fully qualified.
func IsFullPath(filename string) bool {
	return strings.HasPrefix(filename, "/") || filepath.IsAbs(filename)
}

// OSFilename converts a slash-separated filename to the host's native form.
func OSFilename(filename string) string {
	return filepath.FromSlash(filename)
}

// UnixFilename converts a host-native filename to slash-separated form.
func UnixFilename(filename string) string {
	return filepath.ToSlash(filename)
}

// Standardize collapses repeated slashes and interior /../ components
// without consulting the filesystem.
func Standardize(filename string) string {
	if filename == "" {
		return ""
	}
	result := path.Clean(filename)
	if result == "." && !strings.HasPrefix(filename, ".") {
		return filename
	}
	return result
}

// Canonical resolves the filename to an absolute path, following symlinks
// where possible.  If symlink resolution fails the absolute path is
// returned as-is.
func Canonical(filename string) string {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return filename
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return UnixFilename(resolved)
	}
	return UnixFilename(abs)
}

// ToRelative converts an absolute path to one relative to root, falling
// back to the original path when it lies outside root or conversion fails.
func ToRelative(absPath, rootDir string) string {
	if absPath == "" || rootDir == "" || !filepath.IsAbs(absPath) {
		return absPath
	}
	rel, err := filepath.Rel(filepath.Clean(rootDir), filepath.Clean(absPath))
	if err != nil || strings.HasPrefix(rel, "..") {
		return absPath
	}
	return UnixFilename(rel)
}

// Glob expands a shell-style pattern relative to the given base directory
// (which may be empty for the current directory).  The returned names are
// pattern-relative, sorted alphabetically.
func Glob(baseDir, pattern string) []string {
	if baseDir == "" {
		baseDir = "."
	}
	matches, err := doublestar.Glob(os.DirFS(baseDir), pattern)
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

// SearchPath looks for name in each of the given directories in turn,
// returning the first existing path or empty.
func SearchPath(name string, dirs []string) string {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return UnixFilename(candidate)
		}
	}
	return ""
}
