package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/asheshgoplani/lanes/internal/terminal"
)

// LaunchRequest describes the terminal to open for a session.
type LaunchRequest struct {
	SessionName    string
	WorktreePath   string
	RepoRoot       string
	Prompt         string
	PermissionMode string
	Agent          AgentBackend
	Config         LanesConfig
}

// LaunchResult reports what Launch did.
type LaunchResult struct {
	TerminalName string
	// Reused is set when an existing terminal was focused instead.
	Reused bool
	// Resumed is set when the agent was started with its previous session.
	Resumed bool
	// Command is the line typed into the terminal; empty when Reused.
	Command string
}

// Launcher opens agent terminals. A session has at most one terminal; a
// second launch focuses it.
type Launcher struct {
	host    terminal.Host
	storage StorageContext
}

// NewLauncher returns a launcher spawning terminals on host and resolving
// marker paths with storage.
func NewLauncher(host terminal.Host, storage StorageContext) *Launcher {
	return &Launcher{host: host, storage: storage}
}

// TerminalName is the host-side name of a session's terminal. The repository
// identifier keeps equally named sessions of different repositories apart.
func TerminalName(repoRoot, sessionName string) string {
	if repoRoot == "" {
		return sessionName
	}
	return RepoIdentifier(repoRoot) + "/" + sessionName
}

// Launch focuses the session's terminal when it already runs. Otherwise it
// spawns one and starts the agent: resuming when the session marker holds a
// valid id (the prompt is then ignored), or starting fresh with the prompt
// read from the prompt marker file.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	if req.Agent == nil {
		return nil, &ValidationError{Field: "agent", Reason: "no agent backend"}
	}
	name := TerminalName(req.RepoRoot, req.SessionName)
	log := terminalLog.With(slog.String("session", req.SessionName), slog.String("terminal", name))

	if t, ok := l.host.Lookup(name); ok {
		if err := t.Focus(ctx); err != nil {
			return nil, fmt.Errorf("focus terminal %s: %w", name, err)
		}
		log.Info("terminal_focused")
		return &LaunchResult{TerminalName: name, Reused: true}, nil
	}

	resolver := NewPathResolver(l.storage.WithRepo(req.RepoRoot).WithAgent(req.Agent))
	mode := NormalizePermissionMode(req.Agent, req.PermissionMode)
	if req.PermissionMode != "" && mode != req.PermissionMode {
		log.Warn("permission_mode_ignored",
			slog.String("requested", req.PermissionMode),
			slog.String("using", mode))
	}

	res := &LaunchResult{TerminalName: name}
	sessionPath := resolver.ResolveMarkerPath(MarkerSession, req.SessionName, req.WorktreePath, req.Config)
	if sd := ReadSessionData(req.Agent, sessionPath); sd != nil {
		res.Resumed = true
		res.Command = req.Agent.BuildResumeCommand(sd.SessionID, mode)
	} else {
		promptFile := ""
		if strings.TrimSpace(req.Prompt) != "" {
			promptFile = resolver.ResolveMarkerPath(MarkerPrompt, req.SessionName, req.WorktreePath, req.Config)
			if err := writeFileAtomic(promptFile, []byte(req.Prompt), 0o600); err != nil {
				return nil, fmt.Errorf("persist prompt: %w", err)
			}
		}
		res.Command = req.Agent.BuildFreshStartCommand(promptFile, mode)
	}

	t, err := l.host.Spawn(ctx, terminal.Config{
		Name:    name,
		WorkDir: req.WorktreePath,
		Env: []string{
			"LANES_SESSION=" + req.SessionName,
			"LANES_WORKTREE=" + req.WorktreePath,
			"LANES_AGENT=" + req.Agent.Name(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("spawn terminal %s: %w", name, err)
	}
	if err := t.SendText(res.Command); err != nil {
		_ = t.Dispose()
		return nil, fmt.Errorf("start agent in %s: %w", name, err)
	}

	log.Info("agent_launched",
		slog.String("agent", req.Agent.Name()),
		slog.Bool("resumed", res.Resumed),
		slog.String("mode", mode))
	return res, nil
}
