package session

import (
	"slices"
	"sort"
	"strings"
)

// HookPaths are the absolute locations hook commands write to, plus the
// lanes binary that performs the writes.
type HookPaths struct {
	StatusFile  string
	SessionFile string
	// Binary is the absolute path of the lanes executable.
	Binary string
}

// AgentBackend captures everything that differs between coding agents:
// marker file names and formats, permission modes, the command lines that
// start or resume them and the settings file that wires their hooks.
type AgentBackend interface {
	Name() string
	DisplayName() string

	SessionFileName() string
	StatusFileName() string
	ValidStatusStates() []StatusState
	ParseStatus(data []byte) (*AgentStatus, bool)
	ParseSessionData(data []byte) (*SessionData, bool)

	// PermissionModes lists accepted modes; DefaultPermissionMode is the
	// most restrictive of them.
	PermissionModes() []string
	DefaultPermissionMode() string

	// BuildResumeCommand returns a shell command resuming sessionID.
	BuildResumeCommand(sessionID, permissionMode string) string
	// BuildFreshStartCommand returns a shell command starting a new
	// conversation, reading the initial prompt from promptFile when set.
	BuildFreshStartCommand(promptFile, permissionMode string) string

	// HookSettingsPath is the agent settings file inside a worktree.
	HookSettingsPath(worktreePath string) string
	// RenderHookSettings merges lanes hooks into the existing settings
	// content (nil when the file does not exist) and returns the new file.
	RenderHookSettings(existing []byte, paths HookPaths) ([]byte, error)
}

var agentRegistry = map[string]AgentBackend{
	"claude": claudeAgent{},
	"codex":  codexAgent{},
}

// GetAgent returns the backend registered under name (case-insensitive).
func GetAgent(name string) (AgentBackend, bool) {
	a, ok := agentRegistry[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// AgentNames lists registered backends in sorted order.
func AgentNames() []string {
	names := make([]string, 0, len(agentRegistry))
	for n := range agentRegistry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NormalizePermissionMode returns mode when agent accepts it, otherwise the
// agent's default. Unknown modes are never passed through to a command line.
func NormalizePermissionMode(agent AgentBackend, mode string) string {
	if mode != "" && slices.Contains(agent.PermissionModes(), mode) {
		return mode
	}
	return agent.DefaultPermissionMode()
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// promptArg is the shell fragment that expands to the prompt file content.
func promptArg(promptFile string) string {
	return `"$(cat ` + shellQuote(promptFile) + `)"`
}

func joinCommand(parts ...string) string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
