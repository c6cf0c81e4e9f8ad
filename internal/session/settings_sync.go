package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const configDebounce = 250 * time.Millisecond

// ErrSyncInProgress is returned by SettingsSync.Sync when a previous run has
// not finished; the triggering change is dropped.
var ErrSyncInProgress = errors.New("settings sync already running")

// SettingsSync rewrites hook settings of every session in a repository when
// configuration that affects marker paths changes. Only one run happens at
// a time; changes arriving meanwhile are dropped, since the running pass
// re-reads configuration and hooks converge on the next change anyway.
type SettingsSync struct {
	orch     *Orchestrator
	repoRoot string
	load     func() (LanesConfig, error)

	running atomic.Bool
}

// NewSettingsSync returns a sync for repoRoot that obtains fresh
// configuration from load on every run.
func NewSettingsSync(orch *Orchestrator, repoRoot string, load func() (LanesConfig, error)) *SettingsSync {
	return &SettingsSync{orch: orch, repoRoot: repoRoot, load: load}
}

// Sync performs one pass, returning the number of sessions updated.
func (s *SettingsSync) Sync(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		sessionLog.Debug("settings_sync_dropped", slog.String("repo", s.repoRoot))
		return 0, ErrSyncInProgress
	}
	defer s.running.Store(false)

	cfg, err := s.load()
	if err != nil {
		return 0, fmt.Errorf("reload config: %w", err)
	}
	n, err := s.orch.RewriteHooks(ctx, s.repoRoot, cfg)
	sessionLog.Info("settings_synced", slog.String("repo", s.repoRoot), slog.Int("sessions", n))
	return n, err
}

// Running reports whether a pass is in flight.
func (s *SettingsSync) Running() bool { return s.running.Load() }

// WatchFiles calls onChange (debounced) whenever one of files is written,
// created, renamed or removed, until ctx is cancelled. Parent directories
// are watched so editors that replace files atomically are seen too.
// Missing parent directories are skipped.
func WatchFiles(ctx context.Context, files []string, onChange func()) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer fw.Close()

	wanted := make(map[string]bool, len(files))
	added := map[string]bool{}
	for _, f := range files {
		f = filepath.Clean(f)
		wanted[f] = true
		dir := filepath.Dir(f)
		if added[dir] {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fw.Add(dir); err != nil {
			watchLog.Warn("config_watch_add_failed", slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		added[dir] = true
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !wanted[filepath.Clean(ev.Name)] || ev.Op == fsnotify.Chmod {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(configDebounce, onChange)
			mu.Unlock()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			watchLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}
