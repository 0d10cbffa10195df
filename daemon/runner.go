package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/knownrules/known/linksync"
	"github.com/knownrules/known/registry"
	"github.com/knownrules/known/watcher"
)

// State is the lifecycle state of a Runner.
type State int32

const (
	Starting State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Runner.
type Options struct {
	LockPath        string
	ReadyPath       string
	Store           *registry.Store
	Synchronizer    *linksync.Synchronizer
	Logger          *zap.Logger
	ConfigDebounce  time.Duration
	SyncParallelism int
}

// Runner is the daemon loop. It owns the lock, the registry snapshot and the
// watch subscriptions for the duration of Run.
type Runner struct {
	opts   Options
	logger *zap.Logger

	state atomic.Int32
	used  atomic.Bool
	ready chan struct{}

	// Owned by the goroutine executing Run.
	set     *watcher.Set
	handles map[string]*watcher.Handle // keyed by registry.Key
}

func NewRunner(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Synchronizer == nil {
		opts.Synchronizer = linksync.New(linksync.WithLogger(opts.Logger))
	}
	if opts.SyncParallelism <= 0 {
		opts.SyncParallelism = 4
	}
	if opts.ConfigDebounce <= 0 {
		opts.ConfigDebounce = 100 * time.Millisecond
	}
	return &Runner{
		opts:    opts,
		logger:  opts.Logger,
		ready:   make(chan struct{}),
		handles: make(map[string]*watcher.Handle),
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Ready is closed once the runner has entered Running.
func (r *Runner) Ready() <-chan struct{} {
	return r.ready
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
}

// Run acquires the lock, synchronizes and watches every registered directory,
// and processes events until ctx is done. Cancelling ctx is the termination
// request; the event being processed completes first. Startup failures are
// returned before any watch is established, and the lock is released on
// every path once it has been acquired.
func (r *Runner) Run(ctx context.Context) error {
	if !r.used.CompareAndSwap(false, true) {
		return errors.New("runner already started")
	}
	r.setState(Starting)

	lock, err := AcquireLock(r.opts.LockPath)
	if err != nil {
		r.setState(Stopped)
		return err
	}
	r.logger = r.logger.With(zap.String("run_id", uuid.NewString()), zap.Int("pid", lock.PID()))
	defer r.drain(lock)

	reg, err := r.opts.Store.Load()
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	set, err := watcher.New(watcher.WithLogger(r.logger), watcher.WithDebounce(r.opts.ConfigDebounce))
	if err != nil {
		return err
	}
	r.set = set
	set.Start(ctx)

	if err := set.WatchConfig(r.opts.Store.Path()); err != nil {
		return err
	}
	r.syncAndSubscribe(reg.Dirs())

	if err := WriteReadyFile(r.opts.ReadyPath); err != nil {
		return err
	}
	r.setState(Running)
	close(r.ready)
	r.logger.Info("known daemon started",
		zap.String("lock", lock.Path()),
		zap.Int("directories", reg.Len()),
		zap.Int("watching", len(r.handles)))

	for {
		ev, err := set.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watch stream ended: %w", err)
		}
		r.handle(ev)
	}
}

// drain is the single exit path once the lock is held.
func (r *Runner) drain(lock *Lock) {
	r.setState(Draining)

	if r.set != nil {
		for key, h := range r.handles {
			if err := r.set.Unsubscribe(h); err != nil {
				r.logger.Warn("failed to unsubscribe", zap.String("project", h.Dir()), zap.Error(err))
			}
			delete(r.handles, key)
		}
		if err := r.set.Close(); err != nil {
			r.logger.Warn("failed to close watcher", zap.Error(err))
		}
	}

	if err := RemoveReadyFile(r.opts.ReadyPath); err != nil {
		r.logger.Warn("failed to remove ready file", zap.Error(err))
	}
	if err := lock.Release(); err != nil {
		r.logger.Warn("failed to release daemon lock", zap.Error(err))
	}

	r.setState(Stopped)
	r.logger.Info("known daemon stopped")
}

func (r *Runner) handle(ev watcher.Event) {
	r.logger.Debug("event", zap.Stringer("kind", ev.Kind), zap.String("source", ev.Source), zap.String("name", ev.Name))

	switch ev.Kind {
	case watcher.Created, watcher.RenamedTo:
		r.apply(ev.Source, ev.Name, linksync.EntryAdded(ev.Name))
	case watcher.Removed, watcher.RenamedFrom:
		r.apply(ev.Source, ev.Name, linksync.EntryRemoved(ev.Name))
	case watcher.ConfigChanged:
		r.reload()
	case watcher.RootRemoved:
		r.dropRoot(ev.Source)
	case watcher.Overflow:
		dirs := make([]string, 0, len(r.handles))
		for _, h := range r.handles {
			dirs = append(dirs, h.Dir())
		}
		r.syncAll(dirs)
	}
}

func (r *Runner) apply(dir, name string, change linksync.Change) {
	if _, ok := r.handles[registry.Key(dir)]; !ok {
		// Queued before the directory was unsubscribed.
		return
	}

	if name == linksync.IgnoreFileName {
		r.fullSync(dir)
		return
	}

	rep, err := r.opts.Synchronizer.Apply(dir, change)
	if err != nil {
		r.logger.Warn("failed to apply change", zap.String("project", dir), zap.Stringer("change", change.Kind), zap.Error(err))
		return
	}
	if n := rep.Changed(); n > 0 {
		r.logger.Info("synchronized rules entry",
			zap.String("project", dir),
			zap.String("entry", name),
			zap.Stringer("change", change.Kind),
			zap.Int("links_created", len(rep.Created)),
			zap.Int("links_removed", len(rep.Removed)))
	}
}

// reload diffs the registry on disk against the current subscriptions. A
// registry that cannot be read leaves the current subscriptions in place.
func (r *Runner) reload() {
	reg, err := r.opts.Store.Load()
	if err != nil {
		r.logger.Warn("registry changed but could not be loaded; keeping current directories", zap.Error(err))
		return
	}

	for key, h := range r.handles {
		if reg.Contains(h.Dir()) {
			continue
		}
		// Deregistration stops management; existing links stay.
		if err := r.set.Unsubscribe(h); err != nil {
			r.logger.Warn("failed to unsubscribe", zap.String("project", h.Dir()), zap.Error(err))
		}
		delete(r.handles, key)
		r.logger.Info("stopped watching directory", zap.String("project", h.Dir()))
	}

	var added []string
	for _, dir := range reg.Dirs() {
		if _, ok := r.handles[registry.Key(dir)]; !ok {
			added = append(added, dir)
		}
	}
	if len(added) > 0 {
		r.syncAndSubscribe(added)
	}
}

func (r *Runner) dropRoot(dir string) {
	key := registry.Key(dir)
	h, ok := r.handles[key]
	if !ok {
		return
	}
	if err := r.set.Unsubscribe(h); err != nil {
		r.logger.Debug("failed to unsubscribe", zap.String("project", dir), zap.Error(err))
	}
	delete(r.handles, key)
	r.logger.Warn("rules directory disappeared; directory stays registered and is picked up again on the next registry change",
		zap.String("project", dir))
}

// syncAndSubscribe subscribes each directory, then brings the subscribed ones
// up to date. Subscribing first means a change made during the sync is still
// delivered as an event.
func (r *Runner) syncAndSubscribe(dirs []string) {
	subscribed := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		h, err := r.set.Subscribe(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				r.logger.Warn("rules directory not found, skipping", zap.String("project", dir))
			} else {
				r.logger.Warn("failed to watch directory", zap.String("project", dir), zap.Error(err))
			}
			continue
		}
		r.handles[registry.Key(dir)] = h
		subscribed = append(subscribed, dir)
	}
	r.syncAll(subscribed)
}

// syncAll runs FullSync for independent directories in parallel.
func (r *Runner) syncAll(dirs []string) {
	g := new(errgroup.Group)
	g.SetLimit(r.opts.SyncParallelism)
	for _, dir := range dirs {
		g.Go(func() error {
			r.fullSync(dir)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) fullSync(dir string) {
	rep, err := r.opts.Synchronizer.FullSync(dir)
	if err != nil {
		r.logger.Warn("full sync failed", zap.String("project", dir), zap.Error(err))
		return
	}
	r.logger.Info("synchronized directory",
		zap.String("project", dir),
		zap.Int("links_created", len(rep.Created)),
		zap.Int("links_removed", len(rep.Removed)),
		zap.Int("conflicts", len(rep.Conflicts)),
		zap.Int("failures", len(rep.Failures)))
}
