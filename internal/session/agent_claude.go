package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Claude permission modes, as accepted by `claude --permission-mode`.
const (
	ClaudeModeDefault     = "default"
	ClaudeModeAcceptEdits = "acceptEdits"
	ClaudeModePlan        = "plan"
	ClaudeModeBypass      = "bypassPermissions"
)

type claudeAgent struct{}

func (claudeAgent) Name() string            { return "claude" }
func (claudeAgent) DisplayName() string     { return "Claude Code" }
func (claudeAgent) SessionFileName() string { return ".claude-session" }
func (claudeAgent) StatusFileName() string  { return ".claude-status" }

func (claudeAgent) ValidStatusStates() []StatusState {
	return []StatusState{StatusWorking, StatusWaitingForUser, StatusIdle, StatusError}
}

func (a claudeAgent) ParseStatus(data []byte) (*AgentStatus, bool) {
	return parseStatus(data, a.ValidStatusStates())
}

func (claudeAgent) ParseSessionData(data []byte) (*SessionData, bool) {
	return parseSessionData(data)
}

func (claudeAgent) PermissionModes() []string {
	return []string{ClaudeModeDefault, ClaudeModeAcceptEdits, ClaudeModePlan, ClaudeModeBypass}
}

func (claudeAgent) DefaultPermissionMode() string { return ClaudeModeDefault }

func (a claudeAgent) modeFlags(mode string) string {
	switch NormalizePermissionMode(a, mode) {
	case ClaudeModeBypass:
		return "--dangerously-skip-permissions"
	case ClaudeModeAcceptEdits, ClaudeModePlan:
		return "--permission-mode " + NormalizePermissionMode(a, mode)
	default:
		return ""
	}
}

func (a claudeAgent) BuildResumeCommand(sessionID, permissionMode string) string {
	return joinCommand("claude", "--resume", shellQuote(sessionID), a.modeFlags(permissionMode))
}

func (a claudeAgent) BuildFreshStartCommand(promptFile, permissionMode string) string {
	prompt := ""
	if promptFile != "" {
		prompt = promptArg(promptFile)
	}
	return joinCommand("claude", a.modeFlags(permissionMode), prompt)
}

func (claudeAgent) HookSettingsPath(worktreePath string) string {
	return filepath.Join(worktreePath, ".claude", "settings.local.json")
}

// hookEntry is one command hook in Claude settings.
type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
	Async   bool   `json:"async,omitempty"`
}

// hookMatcher groups hooks under an optional tool/notification matcher.
type hookMatcher struct {
	Matcher string      `json:"matcher,omitempty"`
	Hooks   []hookEntry `json:"hooks"`
}

// claudeHookEvents lists the events lanes subscribes to and the marker
// writes each one triggers.
var claudeHookEvents = []struct {
	Event   string
	Matcher string
	State   StatusState
	Session bool
}{
	{Event: "SessionStart", State: StatusIdle, Session: true},
	{Event: "UserPromptSubmit", State: StatusWorking},
	{Event: "PreToolUse", Matcher: "*", State: StatusWorking},
	{Event: "Notification", Matcher: "permission_prompt|elicitation_dialog", State: StatusWaitingForUser},
	{Event: "Stop", State: StatusWaitingForUser},
}

// statusHookCommand writes state to the status marker.
func statusHookCommand(p HookPaths, state StatusState) string {
	return fmt.Sprintf("%s hook status --file %s --state %s", shellQuote(p.Binary), shellQuote(p.StatusFile), state)
}

// sessionHookCommand captures the session id from the hook payload on stdin.
func sessionHookCommand(p HookPaths, agent string) string {
	return fmt.Sprintf("%s hook session --agent %s --file %s", shellQuote(p.Binary), agent, shellQuote(p.SessionFile))
}

// isLanesHook reports whether a command was installed by lanes.
func isLanesHook(command string) bool {
	return strings.Contains(command, " hook status --file ") || strings.Contains(command, " hook session --agent ")
}

// claudeHookDescriptor builds the lanes-owned hook section.
func claudeHookDescriptor(p HookPaths) map[string][]hookMatcher {
	out := make(map[string][]hookMatcher, len(claudeHookEvents))
	for _, ev := range claudeHookEvents {
		hooks := []hookEntry{{Type: "command", Command: statusHookCommand(p, ev.State)}}
		if ev.Session {
			hooks = append(hooks, hookEntry{Type: "command", Command: sessionHookCommand(p, "claude")})
		}
		out[ev.Event] = append(out[ev.Event], hookMatcher{Matcher: ev.Matcher, Hooks: hooks})
	}
	return out
}

// RenderHookSettings keeps every unrelated key and every non-lanes hook in
// the existing settings, replacing only entries lanes installed earlier.
// User entries are carried over byte for byte, whatever fields they use.
func (claudeAgent) RenderHookSettings(existing []byte, p HookPaths) ([]byte, error) {
	settings := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(existing)) > 0 {
		if err := json.Unmarshal(existing, &settings); err != nil {
			return nil, fmt.Errorf("parse claude settings: %w", err)
		}
	}

	hooks := map[string][]json.RawMessage{}
	if raw, ok := settings["hooks"]; ok {
		if err := json.Unmarshal(raw, &hooks); err != nil {
			// an unparseable hooks section is replaced wholesale
			hooks = map[string][]json.RawMessage{}
		}
	}

	for event, matchers := range hooks {
		kept := matchers[:0]
		for _, m := range matchers {
			if m, ok := withoutLanesHooks(m); ok {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			delete(hooks, event)
		} else {
			hooks[event] = kept
		}
	}

	for event, matchers := range claudeHookDescriptor(p) {
		for _, m := range matchers {
			raw, err := json.Marshal(m)
			if err != nil {
				return nil, err
			}
			hooks[event] = append(hooks[event], raw)
		}
	}

	raw, err := json.Marshal(hooks)
	if err != nil {
		return nil, err
	}
	settings["hooks"] = raw
	return json.MarshalIndent(settings, "", "  ")
}

// withoutLanesHooks drops lanes-installed entries from one matcher group.
// Groups without lanes entries, and anything it cannot parse, are returned
// unchanged. ok is false when nothing is left of the group.
func withoutLanesHooks(matcher json.RawMessage) (json.RawMessage, bool) {
	var group map[string]json.RawMessage
	if err := json.Unmarshal(matcher, &group); err != nil {
		return matcher, true
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(group["hooks"], &entries); err != nil {
		return matcher, true
	}

	kept := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		var h struct {
			Command string `json:"command"`
		}
		if json.Unmarshal(e, &h) == nil && isLanesHook(h.Command) {
			continue
		}
		kept = append(kept, e)
	}
	switch {
	case len(kept) == len(entries):
		return matcher, true
	case len(kept) == 0:
		return nil, false
	}

	raw, err := json.Marshal(kept)
	if err != nil {
		return matcher, true
	}
	group["hooks"] = raw
	out, err := json.Marshal(group)
	if err != nil {
		return matcher, true
	}
	return out, true
}
