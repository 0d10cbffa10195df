package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/knownrules/known/internal/fileutil"
)

const (
	defaultLockTimeout = 5 * time.Second
	lockRetryInterval  = 25 * time.Millisecond
)

// Store loads and saves the registry document at a fixed path.
type Store struct {
	path        string
	legacyPath  string
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLegacyPath makes Load fall back to the JSON registry written by earlier
// releases ({"watched_directories": [...]}) when the YAML document does not
// exist yet.
func WithLegacyPath(path string) Option {
	return func(s *Store) { s.legacyPath = path }
}

// WithLockTimeout bounds how long a mutation waits for another writer.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:        path,
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the location of the registry document.
func (s *Store) Path() string {
	return s.path
}

// Load reads the registry. A missing document yields an empty registry; an
// unparseable one yields a *CorruptError.
func (s *Store) Load() (*Registry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.loadLegacy()
		}
		return nil, fmt.Errorf("failed to read registry file %s: %w", s.path, err)
	}
	return decode(s.path, data)
}

// Save writes r atomically, replacing any previous document.
func (s *Store) Save(r *Registry) error {
	dirs := r.Dirs()
	if dirs == nil {
		dirs = []string{}
	}

	data, err := yaml.Marshal(dirs)
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	if err := fileutil.WriteFileAtomically(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to save registry: %w", err)
	}
	return nil
}

// List returns the registered directories in order.
func (s *Store) List() ([]string, error) {
	r, err := s.Load()
	if err != nil {
		return nil, err
	}
	return r.Dirs(), nil
}

// Add registers dir after canonicalizing it. It returns false, without error,
// when the directory was already registered.
func (s *Store) Add(ctx context.Context, dir string) (bool, error) {
	canonical, err := Canonicalize(dir)
	if err != nil {
		return false, err
	}
	return s.modify(ctx, func(r *Registry) bool {
		return r.Add(canonical)
	})
}

// Remove deregisters dir. It returns false, without error, when the
// directory was not registered. A directory that no longer exists on disk is
// matched by its cleaned absolute path.
func (s *Store) Remove(ctx context.Context, dir string) (bool, error) {
	candidates := make([]string, 0, 2)
	if canonical, err := Canonicalize(dir); err == nil {
		candidates = append(candidates, canonical)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		candidates = append(candidates, abs)
	}
	if len(candidates) == 0 {
		return false, fmt.Errorf("failed to resolve %s", dir)
	}

	return s.modify(ctx, func(r *Registry) bool {
		for _, c := range candidates {
			if r.Remove(c) {
				return true
			}
		}
		return false
	})
}

// Touch rewrites the registry unchanged. A running daemon treats any write as
// a registry change and re-examines every directory it is not watching.
func (s *Store) Touch(ctx context.Context) error {
	_, err := s.modify(ctx, func(*Registry) bool { return true })
	return err
}

// modify runs one load-modify-save cycle under the cross-process write lock.
// A corrupt document is never overwritten.
func (s *Store) modify(ctx context.Context, fn func(*Registry) bool) (bool, error) {
	if err := fileutil.EnsureParentDir(s.path); err != nil {
		return false, fmt.Errorf("failed to create registry directory: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	fl := flock.New(s.path + ".lock")
	locked, err := fl.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil || !locked {
		if err == nil {
			err = lockCtx.Err()
		}
		return false, fmt.Errorf("registry %s is being modified by another process: %w", s.path, err)
	}
	defer fl.Unlock()

	r, err := s.Load()
	if err != nil {
		return false, err
	}

	if !fn(r) {
		return false, nil
	}
	if err := s.Save(r); err != nil {
		return false, err
	}
	return true, nil
}

func decode(path string, data []byte) (*Registry, error) {
	if strings.TrimSpace(string(data)) == "" {
		return New(), nil
	}

	var dirs []string
	if err := yaml.Unmarshal(data, &dirs); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	if err := checkAbsolute(dirs); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	return New(dirs...), nil
}

type legacyDocument struct {
	WatchedDirectories []string `json:"watched_directories"`
}

func (s *Store) loadLegacy() (*Registry, error) {
	if s.legacyPath == "" {
		return New(), nil
	}

	data, err := os.ReadFile(s.legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to read legacy registry %s: %w", s.legacyPath, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return New(), nil
	}

	var doc legacyDocument
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, &CorruptError{Path: s.legacyPath, Err: err}
	}
	if err := checkAbsolute(doc.WatchedDirectories); err != nil {
		return nil, &CorruptError{Path: s.legacyPath, Err: err}
	}

	// The legacy document stored an unordered set.
	sort.Strings(doc.WatchedDirectories)
	return New(doc.WatchedDirectories...), nil
}

func checkAbsolute(dirs []string) error {
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("entry %q is not an absolute path", dir)
		}
	}
	return nil
}
