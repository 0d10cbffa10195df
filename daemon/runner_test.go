package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/knownrules/known/config"
	"github.com/knownrules/known/linksync"
	"github.com/knownrules/known/registry"
	"github.com/knownrules/known/watcher"
)

const testTarget = ".cursor/rules"

type runnerEnv struct {
	paths config.Paths
	store *registry.Store
}

func newRunnerEnv(t *testing.T) *runnerEnv {
	t.Helper()
	base := t.TempDir()
	paths := config.PathsUnder(filepath.Join(base, "state"), filepath.Join(base, "config"))
	return &runnerEnv{paths: paths, store: registry.NewStore(paths.Registry)}
}

func (e *runnerEnv) newRunner(t *testing.T) *Runner {
	return NewRunner(Options{
		LockPath:       e.paths.Lock,
		ReadyPath:      e.paths.Ready,
		Store:          e.store,
		Synchronizer:   linksync.New(linksync.WithTargets(testTarget)),
		Logger:         zaptest.NewLogger(t),
		ConfigDebounce: 50 * time.Millisecond,
	})
}

// start runs r in the background and waits until it is ready. Stopping is
// registered as a cleanup; the returned function stops it early and reports
// Run's result.
func (e *runnerEnv) start(t *testing.T, r *Runner) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-r.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("Run() exited before ready: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("runner did not become ready")
	}

	var (
		stopped bool
		result  error
	)
	stop := func() error {
		if stopped {
			return result
		}
		stopped = true
		cancel()
		select {
		case result = <-errCh:
		case <-time.After(10 * time.Second):
			t.Fatal("runner did not stop")
		}
		return result
	}
	t.Cleanup(func() { stop() })
	return stop
}

func newProject(t *testing.T, entries ...string) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}
	for _, name := range entries {
		writeEntry(t, dir, name)
	}
	if len(entries) == 0 {
		os.MkdirAll(filepath.Join(dir, config.RulesDir), 0755)
	}
	return dir
}

func writeEntry(t *testing.T, project, name string) {
	t.Helper()
	rules := filepath.Join(project, config.RulesDir)
	if err := os.MkdirAll(rules, 0755); err != nil {
		t.Fatalf("failed to create rules dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rules, name), []byte("# "+name+"\n"), 0644); err != nil {
		t.Fatalf("failed to write entry: %v", err)
	}
}

func linkPath(project, name string) string {
	return filepath.Join(project, filepath.FromSlash(testTarget), name)
}

func isLinked(project, name string) bool {
	info, err := os.Lstat(linkPath(project, name))
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunnerLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newRunnerEnv(t)
	first := newProject(t, "a.md")
	if _, err := env.store.Add(ctx, first); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	r := env.newRunner(t)
	if r.State() != Starting {
		t.Fatalf("State() = %s before Run", r.State())
	}
	stop := env.start(t, r)

	if r.State() != Running {
		t.Errorf("State() = %s after ready, want running", r.State())
	}
	if !isLinked(first, "a.md") {
		t.Fatal("startup sync did not link the existing entry")
	}
	if pid, _ := RunningPID(env.paths.Lock); pid != os.Getpid() {
		t.Errorf("lock held by %d, want %d", pid, os.Getpid())
	}
	if !IsReady(env.paths.Ready) {
		t.Error("ready file missing while running")
	}

	t.Run("entry added", func(t *testing.T) {
		writeEntry(t, first, "b.md")
		eventually(t, "b.md to be linked", func() bool { return isLinked(first, "b.md") })
	})

	t.Run("entry removed", func(t *testing.T) {
		os.Remove(filepath.Join(first, config.RulesDir, "a.md"))
		eventually(t, "a.md link to be removed", func() bool { return !isLinked(first, "a.md") })
	})

	t.Run("entry renamed", func(t *testing.T) {
		rules := filepath.Join(first, config.RulesDir)
		if err := os.Rename(filepath.Join(rules, "b.md"), filepath.Join(rules, "c.md")); err != nil {
			t.Fatalf("rename failed: %v", err)
		}
		eventually(t, "rename to be mirrored", func() bool {
			return isLinked(first, "c.md") && !isLinked(first, "b.md")
		})
	})

	second := newProject(t, "x.md")
	t.Run("directory registered", func(t *testing.T) {
		if _, err := env.store.Add(ctx, second); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
		eventually(t, "second project to be synchronized", func() bool { return isLinked(second, "x.md") })

		writeEntry(t, second, "y.md")
		eventually(t, "second project to be watched", func() bool { return isLinked(second, "y.md") })
	})

	t.Run("directory deregistered", func(t *testing.T) {
		if _, err := env.store.Remove(ctx, first); err != nil {
			t.Fatalf("Remove() failed: %v", err)
		}
		eventually(t, "first project to be unwatched", func() bool { return r.set.Len() == 1 })

		writeEntry(t, first, "d.md")
		time.Sleep(300 * time.Millisecond)
		if isLinked(first, "d.md") {
			t.Error("deregistered directory is still managed")
		}
		if !isLinked(first, "c.md") {
			t.Error("deregistration must leave existing links in place")
		}
	})

	if err := stop(); err != nil {
		t.Fatalf("Run() returned %v after cancellation", err)
	}
	if r.State() != Stopped {
		t.Errorf("State() = %s after Run, want stopped", r.State())
	}
	if _, err := os.Stat(env.paths.Lock); !os.IsNotExist(err) {
		t.Error("lock file should be removed on shutdown")
	}
	if IsReady(env.paths.Ready) {
		t.Error("ready file should be removed on shutdown")
	}
	if !isLinked(second, "y.md") {
		t.Error("shutdown must leave links in place")
	}
}

func TestRunnerCorruptRegistry(t *testing.T) {
	env := newRunnerEnv(t)
	os.MkdirAll(env.paths.StateDir, 0755)
	os.WriteFile(env.paths.Registry, []byte("{not: [a list"), 0600)

	r := env.newRunner(t)
	err := r.Run(context.Background())
	if !errors.Is(err, registry.ErrCorrupt) {
		t.Fatalf("Run() error = %v, want ErrCorrupt", err)
	}
	if r.State() != Stopped {
		t.Errorf("State() = %s, want stopped", r.State())
	}
	if _, err := os.Stat(env.paths.Lock); !os.IsNotExist(err) {
		t.Error("lock must be released when startup fails")
	}
	if IsReady(env.paths.Ready) {
		t.Error("ready file must not be written when startup fails")
	}
}

func TestRunnerAlreadyRunning(t *testing.T) {
	env := newRunnerEnv(t)
	os.MkdirAll(env.paths.StateDir, 0755)
	live := os.Getppid()
	os.WriteFile(env.paths.Lock, []byte(strconv.Itoa(live)+"\n"), 0644)

	err := env.newRunner(t).Run(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Run() error = %v, want ErrAlreadyRunning", err)
	}
	if pid, _ := ReadLockPID(env.paths.Lock); pid != live {
		t.Error("a refused start must not touch the existing lock")
	}
}

func TestRunnerReclaimsStaleLock(t *testing.T) {
	env := newRunnerEnv(t)
	os.MkdirAll(env.paths.StateDir, 0755)
	os.WriteFile(env.paths.Lock, []byte(strconv.Itoa(deadPID)+"\n"), 0644)

	r := env.newRunner(t)
	env.start(t, r)

	if pid, _ := ReadLockPID(env.paths.Lock); pid != os.Getpid() {
		t.Errorf("lock holds %d after reclaim, want %d", pid, os.Getpid())
	}
}

func TestRunnerIsSingleUse(t *testing.T) {
	env := newRunnerEnv(t)
	r := env.newRunner(t)
	stop := env.start(t, r)
	stop()

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("second Run() should fail")
	}
}

func TestRunnerRetriesMissingRulesDirOnRegistryChange(t *testing.T) {
	ctx := context.Background()
	env := newRunnerEnv(t)

	project, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}
	if _, err := env.store.Add(ctx, project); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	r := env.newRunner(t)
	env.start(t, r)
	if r.set.Len() != 0 {
		t.Fatalf("directory without %s should not be watched", config.RulesDir)
	}

	writeEntry(t, project, "late.md")
	if err := env.store.Touch(ctx); err != nil {
		t.Fatalf("Touch() failed: %v", err)
	}
	eventually(t, "late.md to be linked", func() bool { return isLinked(project, "late.md") })
}

func TestRunnerRulesDirRemoved(t *testing.T) {
	ctx := context.Background()
	env := newRunnerEnv(t)
	project := newProject(t, "a.md")
	if _, err := env.store.Add(ctx, project); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	r := env.newRunner(t)
	env.start(t, r)

	if err := os.RemoveAll(filepath.Join(project, config.RulesDir)); err != nil {
		t.Fatalf("failed to remove rules dir: %v", err)
	}
	eventually(t, "directory to be dropped", func() bool { return r.set.Len() == 0 })

	if list, _ := env.store.List(); len(list) != 1 {
		t.Errorf("directory should stay registered, registry = %v", list)
	}

	writeEntry(t, project, "b.md")
	env.store.Touch(ctx)
	eventually(t, "directory to be picked up again", func() bool { return isLinked(project, "b.md") })
}

func TestRunnerOverflowResynchronizesEveryDirectory(t *testing.T) {
	env := newRunnerEnv(t)
	first := newProject(t, "a.md")
	second := newProject(t, "b.md")

	// Driven by hand, without Run, so the test owns the runner's state.
	r := env.newRunner(t)
	set, err := watcher.New()
	if err != nil {
		t.Fatalf("watcher.New() failed: %v", err)
	}
	t.Cleanup(func() { set.Close() })
	r.set = set

	r.syncAndSubscribe([]string{first, second})
	if !isLinked(first, "a.md") || !isLinked(second, "b.md") {
		t.Fatal("initial sync did not link the entries")
	}

	// Changes the watch never reported.
	os.Remove(linkPath(first, "a.md"))
	writeEntry(t, second, "c.md")

	r.handle(watcher.Event{Kind: watcher.Overflow})

	if !isLinked(first, "a.md") {
		t.Error("overflow did not restore the missing link")
	}
	if !isLinked(second, "c.md") {
		t.Error("overflow did not link the unreported entry")
	}
}

func TestRunnerIgnoreFileChangeResynchronizes(t *testing.T) {
	ctx := context.Background()
	env := newRunnerEnv(t)
	project := newProject(t, "a.md", "draft.md")
	if _, err := env.store.Add(ctx, project); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	r := env.newRunner(t)
	env.start(t, r)
	if !isLinked(project, "draft.md") {
		t.Fatal("startup sync did not link draft.md")
	}

	os.WriteFile(filepath.Join(project, config.RulesDir, linksync.IgnoreFileName), []byte("draft.*\n"), 0644)

	eventually(t, "ignored entry to be unlinked", func() bool { return !isLinked(project, "draft.md") })
	if !isLinked(project, "a.md") {
		t.Error("entries not matched by the ignore file must stay linked")
	}
	if isLinked(project, linksync.IgnoreFileName) {
		t.Errorf("%s must never be linked", linksync.IgnoreFileName)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Starting: "starting",
		Running:  "running",
		Draining: "draining",
		Stopped:  "stopped",
		State(9): "State(9)",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), got, want)
		}
	}
}
