// Package registry persists the set of project directories watched by the
// daemon.
//
// The registry is a YAML sequence of absolute directory paths stored in the
// application state directory:
//
//	- /home/me/src/api
//	- /home/me/src/web
//
// Every mutation is a full load-modify-save cycle. Concurrent CLI invocations
// are serialized with an advisory lock on a sibling ".lock" file, and the
// document is always replaced atomically, so a reader (including the running
// daemon) never observes a partial write.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrCorrupt is matched (errors.Is) by every error reporting an unreadable
// registry document.
var ErrCorrupt = errors.New("registry is corrupt")

// CorruptError reports a registry document that exists but cannot be parsed.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("registry file %s is not a valid list of directories (%v); fix or delete it", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

// caseInsensitive reports whether directory equality ignores case on this
// host. Both default filesystems on macOS and Windows fold case.
var caseInsensitive = runtime.GOOS == "darwin" || runtime.GOOS == "windows"

// Registry is an ordered set of canonical directory paths.
type Registry struct {
	dirs []string
}

// New builds a registry from dirs, keeping the first occurrence of each
// directory and dropping empty entries.
func New(dirs ...string) *Registry {
	r := &Registry{}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		r.Add(dir)
	}
	return r
}

// Add appends dir unless an equal directory is already present. It reports
// whether the registry changed.
func (r *Registry) Add(dir string) bool {
	if r.indexOf(dir) >= 0 {
		return false
	}
	r.dirs = append(r.dirs, filepath.Clean(dir))
	return true
}

// Remove deletes dir and reports whether it was present.
func (r *Registry) Remove(dir string) bool {
	i := r.indexOf(dir)
	if i < 0 {
		return false
	}
	r.dirs = append(r.dirs[:i], r.dirs[i+1:]...)
	return true
}

// Contains reports whether dir is registered.
func (r *Registry) Contains(dir string) bool {
	return r.indexOf(dir) >= 0
}

// Dirs returns a copy of the registered directories in insertion order.
func (r *Registry) Dirs() []string {
	out := make([]string, len(r.dirs))
	copy(out, r.dirs)
	return out
}

// Len returns the number of registered directories.
func (r *Registry) Len() int {
	return len(r.dirs)
}

func (r *Registry) indexOf(dir string) int {
	k := Key(dir)
	for i, existing := range r.dirs {
		if Key(existing) == k {
			return i
		}
	}
	return -1
}

// Key returns the comparison key for a directory path: cleaned, and
// lower-cased where the host filesystem is case-insensitive.
func Key(dir string) string {
	cleaned := filepath.Clean(dir)
	if caseInsensitive {
		return strings.ToLower(cleaned)
	}
	return cleaned
}

// Canonicalize returns the absolute path of dir with every symlink resolved.
// dir must exist and be a directory.
func Canonicalize(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("directory %s does not exist: %w", abs, err)
		}
		return "", fmt.Errorf("failed to resolve symlinks in %s: %w", abs, err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to inspect %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", resolved)
	}
	return resolved, nil
}
