// Package tmux hosts agent terminals: tmux sessions when tmux is installed,
// or plain pseudo-terminals owned by the lanes process otherwise.
package tmux

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/lanes/internal/logging"
	"github.com/asheshgoplani/lanes/internal/terminal"
)

var terminalLog = logging.ForComponent(logging.CompTerminal)

// SessionPrefix marks tmux sessions owned by lanes.
const SessionPrefix = "lanes_"

const (
	// cacheTTL bounds how stale the list-sessions snapshot may be.
	cacheTTL = 2 * time.Second
	// enterDelay separates pasted text from Enter. tmux 3.2+ wraps
	// send-keys -l in bracketed paste and an Enter arriving in the same
	// read is swallowed by TUI agents.
	enterDelay = 100 * time.Millisecond
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SessionName maps a terminal name onto a valid tmux session name. tmux
// rejects '.' and ':', so anything outside [A-Za-z0-9_-] is replaced; a
// short hash of the original keeps different names apart after that.
func SessionName(name string) string {
	clean := strings.Trim(unsafeNameChars.ReplaceAllString(name, "-"), "-")
	if clean == name {
		return SessionPrefix + clean
	}
	sum := sha256.Sum256([]byte(name))
	return SessionPrefix + clean + "_" + hex.EncodeToString(sum[:])[:6]
}

// runFunc runs tmux with args and returns its combined output.
type runFunc func(ctx context.Context, args ...string) ([]byte, error)

func runTmux(ctx context.Context, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "tmux", args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("tmux %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// IsAvailable returns nil when a tmux binary can be run.
func IsAvailable() error {
	if _, err := runTmux(context.Background(), "-V"); err != nil {
		return fmt.Errorf("tmux not found or not working: %w", err)
	}
	return nil
}

// Host spawns agent terminals as detached tmux sessions.
//
// Existence checks read a snapshot of `tmux list-sessions` that is refreshed
// at most every cacheTTL; concurrent refreshes collapse into one call.
type Host struct {
	run runFunc

	group     singleflight.Group
	cacheMu   sync.RWMutex
	cache     map[string]bool
	cacheTime time.Time
}

// NewHost returns a host driving the tmux binary on PATH.
func NewHost() *Host {
	return &Host{run: runTmux}
}

// Spawn creates a detached session named after cfg.Name.
func (h *Host) Spawn(ctx context.Context, cfg terminal.Config) (terminal.Terminal, error) {
	name := SessionName(cfg.Name)
	if h.exists(ctx, name) {
		return nil, fmt.Errorf("tmux session %s already exists", name)
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.Getenv("HOME")
	}
	args := []string{"new-session", "-d", "-s", name, "-c", workDir}
	for _, kv := range cfg.Env {
		args = append(args, "-e", kv)
	}
	if _, err := h.run(ctx, args...); err != nil {
		return nil, fmt.Errorf("failed to create tmux session: %w", err)
	}
	h.remember(name, true)

	// Batched into one call; failures only cost comfort.
	_, _ = h.run(ctx,
		"set-option", "-t", name, "mouse", "on", ";",
		"set-option", "-t", name, "history-limit", "10000", ";",
		"set-option", "-t", name, "escape-time", "10", ";",
		"set-option", "-t", name, "@lanes_name", cfg.Name)

	terminalLog.Info("tmux_session_created", slog.String("session", name), slog.String("dir", workDir))
	return &Session{host: h, name: cfg.Name, tmuxName: name}, nil
}

// Lookup finds a running session spawned for name.
func (h *Host) Lookup(name string) (terminal.Terminal, bool) {
	tmuxName := SessionName(name)
	if !h.exists(context.Background(), tmuxName) {
		return nil, false
	}
	return &Session{host: h, name: name, tmuxName: tmuxName}, true
}

// ListSessions returns the tmux names of every lanes-owned session.
func (h *Host) ListSessions(ctx context.Context) ([]string, error) {
	snapshot, err := h.refresh(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for name := range snapshot {
		if strings.HasPrefix(name, SessionPrefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (h *Host) exists(ctx context.Context, tmuxName string) bool {
	h.cacheMu.RLock()
	if h.cache != nil && time.Since(h.cacheTime) < cacheTTL {
		ok := h.cache[tmuxName]
		h.cacheMu.RUnlock()
		return ok
	}
	h.cacheMu.RUnlock()

	snapshot, err := h.refresh(ctx)
	if err != nil {
		return false
	}
	return snapshot[tmuxName]
}

// refresh reloads the session snapshot. A missing server means no
// sessions, not an error.
func (h *Host) refresh(ctx context.Context) (map[string]bool, error) {
	v, err, _ := h.group.Do("list-sessions", func() (any, error) {
		out, err := h.run(ctx, "list-sessions", "-F", "#{session_name}")
		snapshot := map[string]bool{}
		if err != nil {
			msg := string(out) + err.Error()
			if !strings.Contains(msg, "no server running") && !strings.Contains(msg, "no sessions") &&
				!strings.Contains(msg, "error connecting") {
				return nil, err
			}
		} else {
			for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					snapshot[line] = true
				}
			}
		}
		h.cacheMu.Lock()
		h.cache = snapshot
		h.cacheTime = time.Now()
		h.cacheMu.Unlock()
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]bool), nil
}

// remember updates the snapshot right after a create or kill so an
// immediate Lookup does not see stale data.
func (h *Host) remember(tmuxName string, alive bool) {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	if h.cache == nil {
		return
	}
	if alive {
		h.cache[tmuxName] = true
	} else {
		delete(h.cache, tmuxName)
	}
}

// Session is a tmux session hosting one agent.
type Session struct {
	host     *Host
	name     string
	tmuxName string
}

// Name returns the terminal name the session was spawned for.
func (s *Session) Name() string { return s.name }

// TmuxName returns the tmux session name.
func (s *Session) TmuxName() string { return s.tmuxName }

// SendText types text literally, then presses Enter.
func (s *Session) SendText(text string) error {
	ctx := context.Background()
	if _, err := s.host.run(ctx, "send-keys", "-l", "-t", s.tmuxName, "--", text); err != nil {
		return err
	}
	time.Sleep(enterDelay)
	_, err := s.host.run(ctx, "send-keys", "-t", s.tmuxName, "Enter")
	return err
}

// Focus switches the current tmux client to the session when lanes runs
// inside tmux, and attaches this terminal to it otherwise.
func (s *Session) Focus(ctx context.Context) error {
	if os.Getenv("TMUX") != "" {
		_, err := s.host.run(ctx, "switch-client", "-t", s.tmuxName)
		return err
	}
	return attach(ctx, s.tmuxName)
}

// Dispose kills the session. A session that is already gone is fine.
func (s *Session) Dispose() error {
	_, err := s.host.run(context.Background(), "kill-session", "-t", s.tmuxName)
	s.host.remember(s.tmuxName, false)
	if err != nil && !isGone(err) {
		return err
	}
	terminalLog.Info("tmux_session_killed", slog.String("session", s.tmuxName))
	return nil
}

func isGone(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "no server running") ||
		errors.Is(err, terminal.ErrNotFound)
}
