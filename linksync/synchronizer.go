// Package linksync mirrors a project's canonical rules directory into the
// rules directories of each integration (Cursor, Windsurf, ...) as symlinks.
//
// Every operation reconciles names against the current filesystem state, so
// notifications that arrive late, twice or out of order still converge to:
// for every entry e and target T, T/e is a link to .rules/e, and T holds no
// link of ours whose name is not an entry.
package linksync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/knownrules/known/config"
)

// ErrConflict is reported when a file that was not created by known occupies
// the path of a link.
var ErrConflict = errors.New("a file not managed by known is in the way")

// EntryError is a failure confined to one link path.
type EntryError struct {
	Op   string // link | unlink | adopt | stat
	Path string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, describe(e.Err))
}

func (e *EntryError) Unwrap() error { return e.Err }

// describe turns an error into a plain-language cause.
func describe(err error) string {
	switch {
	case err == ErrConflict:
		return "a file not managed by known is in the way; move or delete it to let known link this entry"
	case errors.Is(err, ErrConflict):
		return err.Error()
	case errors.Is(err, fs.ErrPermission):
		return "permission denied"
	case errors.Is(err, fs.ErrNotExist):
		return "no such file or directory"
	default:
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return pathErr.Err.Error()
		}
		return err.Error()
	}
}

// Report collects the outcome of one synchronization.
type Report struct {
	Created   []string // link paths created
	Removed   []string // link paths removed
	Adopted   []string // files moved into the rules directory
	Conflicts []*EntryError
	Failures  []*EntryError
}

// Changed returns the number of filesystem mutations performed.
func (r *Report) Changed() int {
	return len(r.Created) + len(r.Removed) + len(r.Adopted)
}

// Err joins every conflict and failure, or returns nil.
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.Conflicts)+len(r.Failures))
	for _, e := range r.Conflicts {
		errs = append(errs, e)
	}
	for _, e := range r.Failures {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

// ChangeKind enumerates incremental changes to a rules directory.
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
	Renamed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change is one incremental change, built with EntryAdded, EntryRemoved or
// EntryRenamed.
type Change struct {
	Kind    ChangeKind
	Name    string
	OldName string // Renamed only
}

func EntryAdded(name string) Change   { return Change{Kind: Added, Name: name} }
func EntryRemoved(name string) Change { return Change{Kind: Removed, Name: name} }

func EntryRenamed(oldName, newName string) Change {
	return Change{Kind: Renamed, Name: newName, OldName: oldName}
}

// Synchronizer applies rules directories to their targets. It holds no
// per-project state and is safe for concurrent use on different projects.
type Synchronizer struct {
	targets []string
	ignore  []string
	logger  *zap.Logger
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithTargets replaces the default integration directories. Paths are
// relative to the project root.
func WithTargets(targets ...string) Option {
	return func(s *Synchronizer) {
		s.targets = append([]string(nil), targets...)
	}
}

// WithIgnorePatterns adds gitignore-style patterns to the built-in ones.
func WithIgnorePatterns(patterns ...string) Option {
	return func(s *Synchronizer) {
		s.ignore = append(s.ignore, patterns...)
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(opts ...Option) *Synchronizer {
	s := &Synchronizer{
		targets: append([]string(nil), config.DefaultTargets...),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i, t := range s.targets {
		s.targets[i] = filepath.FromSlash(t)
	}
	return s
}

// Targets returns the integration directories, relative to a project root.
func (s *Synchronizer) Targets() []string {
	return append([]string(nil), s.targets...)
}

// FullSync reconciles every target directory of projectDir from scratch. It
// returns an error only when the rules directory cannot be read; everything
// else is collected in the report.
func (s *Synchronizer) FullSync(projectDir string) (*Report, error) {
	rulesDir := filepath.Join(projectDir, config.RulesDir)
	items, err := os.ReadDir(rulesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory %s: %w", rulesDir, err)
	}

	names := make(map[string]struct{}, len(items))
	for _, item := range items {
		names[item.Name()] = struct{}{}
	}

	// Names of links already in the targets, so stale ones get reconciled too.
	for _, target := range s.targets {
		targetItems, err := os.ReadDir(filepath.Join(projectDir, target))
		if err != nil {
			continue
		}
		for _, item := range targetItems {
			if item.Type()&fs.ModeSymlink != 0 {
				names[item.Name()] = struct{}{}
			}
		}
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	rep := &Report{}
	matcher := NewIgnoreMatcher(rulesDir, s.ignore)
	for _, name := range sorted {
		s.reconcile(projectDir, name, matcher, rep)
	}

	s.logger.Debug("full sync finished",
		zap.String("project", projectDir),
		zap.Int("created", len(rep.Created)),
		zap.Int("removed", len(rep.Removed)),
		zap.Int("conflicts", len(rep.Conflicts)),
		zap.Int("failures", len(rep.Failures)))
	return rep, nil
}

// Apply reconciles the names touched by change. A rename removes the old name
// before adding the new one.
func (s *Synchronizer) Apply(projectDir string, change Change) (*Report, error) {
	rulesDir := filepath.Join(projectDir, config.RulesDir)
	matcher := NewIgnoreMatcher(rulesDir, s.ignore)
	rep := &Report{}

	switch change.Kind {
	case Added, Removed:
		s.reconcile(projectDir, change.Name, matcher, rep)
	case Renamed:
		s.reconcile(projectDir, change.OldName, matcher, rep)
		s.reconcile(projectDir, change.Name, matcher, rep)
	default:
		return nil, fmt.Errorf("unknown change kind %v", change.Kind)
	}
	return rep, nil
}

// reconcile makes every target agree with the current state of .rules/name.
func (s *Synchronizer) reconcile(projectDir, name string, matcher *IgnoreMatcher, rep *Report) {
	if !validName(name) {
		return
	}

	rulesDir := filepath.Join(projectDir, config.RulesDir)
	entry := filepath.Join(rulesDir, name)

	isEntry, err := s.isEntry(entry, name, matcher)
	if err != nil {
		s.fail(rep, &EntryError{Op: "stat", Path: entry, Err: err})
		return
	}

	for _, target := range s.targets {
		targetDir := filepath.Join(projectDir, target)
		link := filepath.Join(targetDir, name)
		if isEntry {
			s.ensureLink(rulesDir, targetDir, link, entry, rep)
		} else {
			s.removeLink(rulesDir, targetDir, link, rep)
		}
	}
}

func (s *Synchronizer) isEntry(entry, name string, matcher *IgnoreMatcher) (bool, error) {
	if matcher.ShouldIgnore(name) {
		return false, nil
	}
	info, err := os.Stat(entry)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (s *Synchronizer) ensureLink(rulesDir, targetDir, link, entry string, rep *Report) {
	info, err := os.Lstat(link)
	switch {
	case err == nil:
		if info.Mode()&fs.ModeSymlink == 0 {
			s.conflict(rep, link)
			return
		}
		dest, err := os.Readlink(link)
		if err != nil {
			s.fail(rep, &EntryError{Op: "link", Path: link, Err: err})
			return
		}
		resolved := resolveLink(targetDir, dest)
		if !sameDir(filepath.Dir(resolved), rulesDir) {
			s.conflict(rep, link)
			return
		}
		if filepath.Base(resolved) == filepath.Base(entry) {
			return
		}
		// One of ours, pointing at another entry.
		if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.fail(rep, &EntryError{Op: "unlink", Path: link, Err: err})
			return
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		s.fail(rep, &EntryError{Op: "link", Path: link, Err: err})
		return
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		s.fail(rep, &EntryError{Op: "link", Path: targetDir, Err: err})
		return
	}
	if err := os.Symlink(entry, link); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Raced with another writer; reconcile again on its event.
			s.conflict(rep, link)
			return
		}
		s.fail(rep, &EntryError{Op: "link", Path: link, Err: err})
		return
	}

	rep.Created = append(rep.Created, link)
	s.logger.Debug("linked rules entry", zap.String("link", link), zap.String("entry", entry))
}

func (s *Synchronizer) removeLink(rulesDir, targetDir, link string, rep *Report) {
	info, err := os.Lstat(link)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.fail(rep, &EntryError{Op: "unlink", Path: link, Err: err})
		}
		return
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return
	}

	dest, err := os.Readlink(link)
	if err != nil {
		s.fail(rep, &EntryError{Op: "unlink", Path: link, Err: err})
		return
	}
	if !sameDir(filepath.Dir(resolveLink(targetDir, dest)), rulesDir) {
		return
	}

	if err := os.Remove(link); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		s.fail(rep, &EntryError{Op: "unlink", Path: link, Err: err})
		return
	}

	rep.Removed = append(rep.Removed, link)
	s.logger.Debug("removed rules link", zap.String("link", link))
}

func (s *Synchronizer) conflict(rep *Report, path string) {
	e := &EntryError{Op: "link", Path: path, Err: ErrConflict}
	rep.Conflicts = append(rep.Conflicts, e)
	s.logger.Warn("skipping rules entry", zap.String("path", path), zap.String("reason", describe(ErrConflict)))
}

func (s *Synchronizer) fail(rep *Report, e *EntryError) {
	rep.Failures = append(rep.Failures, e)
	s.logger.Warn("rules entry not synchronized",
		zap.String("op", e.Op),
		zap.String("path", e.Path),
		zap.String("reason", describe(e.Err)))
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

func resolveLink(linkDir, dest string) string {
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(linkDir, dest)
	}
	return filepath.Clean(dest)
}

// sameDir compares two directory paths, falling back to file identity so a
// project reached through a symlinked path still recognizes its own links.
func sameDir(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if a == b {
		return true
	}
	if (runtime.GOOS == "darwin" || runtime.GOOS == "windows") && strings.EqualFold(a, b) {
		return true
	}
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
