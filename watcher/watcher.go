// Package watcher multiplexes the rules directories of every subscribed
// project, plus the registry file, into one ordered stream of events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/knownrules/known/config"
)

// ErrClosed is returned by Next once the set has been closed.
var ErrClosed = errors.New("watch set closed")

type Kind int

const (
	Created Kind = iota
	Removed
	RenamedFrom
	RenamedTo
	ConfigChanged
	RootRemoved // the rules directory of Source was deleted or moved away
	Overflow    // notifications were lost; every source must be resynchronized
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "CREATED"
	case Removed:
		return "REMOVED"
	case RenamedFrom:
		return "RENAMED_FROM"
	case RenamedTo:
		return "RENAMED_TO"
	case ConfigChanged:
		return "CONFIG_CHANGED"
	case RootRemoved:
		return "ROOT_REMOVED"
	case Overflow:
		return "OVERFLOW"
	default:
		return "UNKNOWN"
	}
}

// Event is a normalized notification. Source is the project directory for
// rules events and the registry path for ConfigChanged; Name is the base name
// of the entry for rules events only.
type Event struct {
	Source string
	Kind   Kind
	Name   string
}

func (e Event) String() string {
	if e.Name == "" {
		return fmt.Sprintf("%s %s", e.Kind, e.Source)
	}
	return fmt.Sprintf("%s %s", e.Kind, filepath.Join(e.Source, e.Name))
}

// Handle is the subscription of one project directory.
type Handle struct {
	dir  string
	path string
}

// Dir returns the subscribed project directory.
func (h *Handle) Dir() string { return h.dir }

// Set owns one fsnotify watcher shared by every subscription. Subscribe,
// Unsubscribe and WatchConfig must be called from a single goroutine; the
// reader goroutine only reads the subscription map.
type Set struct {
	fsw      *fsnotify.Watcher
	logger   *zap.Logger
	debounce time.Duration
	events   chan Event
	done     chan struct{}
	wg       sync.WaitGroup

	mu         sync.RWMutex
	handles    map[string]*Handle // keyed by watched rules directory
	configDir  string
	configName string

	// Owned by the reader goroutine.
	renamed map[string]bool

	// Debouncing state for registry notifications
	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

type Option func(*Set)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Set) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDebounce sets how long registry notifications are coalesced before a
// single ConfigChanged is delivered.
func WithDebounce(d time.Duration) Option {
	return func(s *Set) { s.debounce = d }
}

func New(opts ...Option) (*Set, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	s := &Set{
		fsw:      fsw,
		logger:   zap.NewNop(),
		debounce: 100 * time.Millisecond,
		events:   make(chan Event, 100),
		done:     make(chan struct{}),
		handles:  make(map[string]*Handle),
		renamed:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the reader goroutine. It stops when ctx is done or the set
// is closed.
func (s *Set) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processEvents(ctx)
	}()
}

// Subscribe watches the rules directory of projectDir. Subscribing an already
// subscribed directory returns the existing handle.
func (s *Set) Subscribe(projectDir string) (*Handle, error) {
	path := filepath.Join(projectDir, config.RulesDir)

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[path]; ok {
		return h, nil
	}
	// Held across Add so the reader cannot see an event for path before the
	// handle is registered.
	if err := s.fsw.Add(path); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	h := &Handle{dir: projectDir, path: path}
	s.handles[path] = h
	s.logger.Debug("subscribed", zap.String("project", projectDir))
	return h, nil
}

// Unsubscribe stops watching h. Unsubscribing twice is a no-op.
func (s *Set) Unsubscribe(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.handles[h.path]; !ok || cur != h {
		return nil
	}
	delete(s.handles, h.path)

	// The kernel drops the watch by itself when the directory is deleted.
	if err := s.fsw.Remove(h.path); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return fmt.Errorf("failed to stop watching %s: %w", h.path, err)
	}
	s.logger.Debug("unsubscribed", zap.String("project", h.dir))
	return nil
}

// Len returns the number of subscribed directories.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

// WatchConfig reports changes to the file at path as ConfigChanged. The
// parent directory is watched so that atomic replacement is observed.
func (s *Set) WatchConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	s.configDir = dir
	s.configName = filepath.Base(path)
	return nil
}

// Events returns the event stream. It is closed by Close.
func (s *Set) Events() <-chan Event {
	return s.events
}

// Next blocks until the next event, ctx is done or the set is closed.
func (s *Set) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	}
}

// Close releases the watcher and closes the event stream.
func (s *Set) Close() error {
	s.closeOnce.Do(func() {
		s.timerMu.Lock()
		s.closed = true
		if s.timer != nil {
			s.timer.Stop()
		}
		s.timerMu.Unlock()

		close(s.done)
		s.closeErr = s.fsw.Close()
		s.wg.Wait()
		close(s.events)
	})
	return s.closeErr
}

func (s *Set) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case event, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.logger.Warn("file notification queue overflowed")
				s.send(Event{Kind: Overflow})
				continue
			}
			s.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (s *Set) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	dir, name := filepath.Dir(path), filepath.Base(path)

	s.mu.RLock()
	root := s.handles[path]
	h := s.handles[dir]
	isConfig := s.configName != "" && dir == s.configDir && name == s.configName
	s.mu.RUnlock()

	switch {
	case root != nil:
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			delete(s.renamed, root.dir)
			s.send(Event{Source: root.dir, Kind: RootRemoved})
		}
	case isConfig:
		if event.Has(fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename) {
			s.debounceConfig()
		}
	case h != nil:
		s.handleRulesEvent(h, name, event)
	}
}

func (s *Set) handleRulesEvent(h *Handle, name string, event fsnotify.Event) {
	var kind Kind
	switch {
	case event.Has(fsnotify.Create):
		kind = Created
		if s.renamed[h.dir] {
			kind = RenamedTo
		}
	case event.Has(fsnotify.Remove):
		kind = Removed
	case event.Has(fsnotify.Rename):
		kind = RenamedFrom
	default:
		// Content writes and attribute changes never change the link set.
		return
	}

	s.renamed[h.dir] = kind == RenamedFrom
	s.send(Event{Source: h.dir, Kind: kind, Name: name})
}

func (s *Set) debounceConfig() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.flushConfig)
}

func (s *Set) flushConfig() {
	s.timerMu.Lock()
	if s.closed {
		s.timerMu.Unlock()
		return
	}
	s.wg.Add(1)
	s.timerMu.Unlock()
	defer s.wg.Done()

	s.mu.RLock()
	source := filepath.Join(s.configDir, s.configName)
	s.mu.RUnlock()

	s.send(Event{Source: source, Kind: ConfigChanged})
}

// send delivers ev, blocking until it is read or the set is closed.
func (s *Set) send(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
