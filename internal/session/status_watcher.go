package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/lanes/internal/logging"
)

const statusDebounce = 100 * time.Millisecond

// WatchTarget is one status marker to observe.
type WatchTarget struct {
	Session    string
	StatusFile string
	Agent      AgentBackend
}

// StatusEvent is delivered when a session's status marker changes. Status
// is nil when the marker was removed or no longer parses.
type StatusEvent struct {
	Session string
	Status  *AgentStatus
}

// StatusWatcher follows status markers with fsnotify. Bursts of writes are
// coalesced, and delivery to the callback is rate limited so a chatty agent
// cannot flood the consumer.
type StatusWatcher struct {
	watcher  *fsnotify.Watcher
	targets  map[string]WatchTarget // by cleaned status file path
	limiter  *rate.Limiter
	onChange func(StatusEvent)

	mu       sync.RWMutex
	statuses map[string]*AgentStatus
}

// NewStatusWatcher prepares a watcher for targets. Nothing is watched until
// Run is called.
func NewStatusWatcher(targets []WatchTarget, onChange func(StatusEvent)) (*StatusWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create status watcher: %w", err)
	}
	w := &StatusWatcher{
		watcher:  fw,
		targets:  make(map[string]WatchTarget, len(targets)),
		limiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		onChange: onChange,
		statuses: make(map[string]*AgentStatus),
	}
	for _, t := range targets {
		if t.Agent == nil {
			t.Agent, _ = GetAgent(DefaultAgentName)
		}
		w.targets[filepath.Clean(t.StatusFile)] = t
	}
	return w, nil
}

// SetLimit replaces the delivery rate limit.
func (w *StatusWatcher) SetLimit(every time.Duration, burst int) {
	w.limiter.SetLimit(rate.Every(every))
	w.limiter.SetBurst(burst)
}

// Status returns the last status seen for session.
func (w *StatusWatcher) Status(session string) *AgentStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.statuses[session]
}

// Run watches until ctx is cancelled. Current statuses are loaded first so
// Status answers immediately.
func (w *StatusWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	dirs := map[string]bool{}
	for path, t := range w.targets {
		dir := filepath.Dir(path)
		if !dirs[dir] {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				watchLog.Warn("status_dir_unavailable", slog.String("dir", dir), slog.String("error", err.Error()))
				continue
			}
			if err := w.watcher.Add(dir); err != nil {
				watchLog.Warn("status_watch_add_failed", slog.String("dir", dir), slog.String("error", err.Error()))
				continue
			}
			dirs[dir] = true
		}
		w.store(t, ReadStatus(t.Agent, path))
	}

	pending := make(map[string]bool)
	var pendingMu sync.Mutex
	flush := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			path := filepath.Clean(ev.Name)
			if _, tracked := w.targets[path]; !tracked {
				continue
			}
			logging.Aggregate(logging.CompWatch, "status_fs_event", slog.String("op", ev.Op.String()))

			pendingMu.Lock()
			pending[path] = true
			pendingMu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(statusDebounce, func() {
				select {
				case flush <- struct{}{}:
				default:
				}
			})

		case <-flush:
			pendingMu.Lock()
			paths := pending
			pending = make(map[string]bool)
			pendingMu.Unlock()
			for path := range paths {
				if err := w.process(ctx, path); err != nil {
					return nil
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			watchLog.Warn("status_watch_error", slog.String("error", err.Error()))
		}
	}
}

// process re-reads one marker and delivers a change. It only fails when ctx
// is cancelled while waiting on the rate limiter.
func (w *StatusWatcher) process(ctx context.Context, path string) error {
	t := w.targets[path]
	st := ReadStatus(t.Agent, path)
	if !w.store(t, st) {
		return nil
	}
	if w.onChange == nil {
		return nil
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	w.onChange(StatusEvent{Session: t.Session, Status: st})
	return nil
}

// store records st and reports whether it differs from the previous value.
func (w *StatusWatcher) store(t WatchTarget, st *AgentStatus) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.statuses[t.Session]
	if sameStatus(prev, st) {
		return false
	}
	if st == nil {
		delete(w.statuses, t.Session)
	} else {
		w.statuses[t.Session] = st
	}
	watchLog.Debug("status_changed", slog.String("session", t.Session), slog.Any("status", st))
	return true
}

func sameStatus(a, b *AgentStatus) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// WatchTargets lists the status markers of every healthy session.
func (o *Orchestrator) WatchTargets(ctx context.Context, repoRoot string, cfg LanesConfig) ([]WatchTarget, error) {
	sessions, err := o.ListSessions(ctx, repoRoot, cfg)
	if err != nil {
		return nil, err
	}
	targets := make([]WatchTarget, 0, len(sessions))
	for _, s := range sessions {
		if s.Broken {
			continue
		}
		agent, err := o.agentFor(s.Agent, cfg)
		if err != nil {
			continue
		}
		resolver := NewPathResolver(o.storage.WithRepo(repoRoot).WithAgent(agent))
		targets = append(targets, WatchTarget{
			Session:    s.Name,
			StatusFile: resolver.ResolveMarkerPath(MarkerStatus, s.Name, s.WorktreePath, cfg),
			Agent:      agent,
		})
	}
	return targets, nil
}
