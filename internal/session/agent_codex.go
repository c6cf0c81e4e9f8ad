package session

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Codex permission modes, mapped onto sandbox/approval flags.
const (
	CodexModeReadOnly       = "read-only"
	CodexModeWorkspaceWrite = "workspace-write"
	CodexModeFullAuto       = "full-auto"
	CodexModeBypass         = "bypass"
)

type codexAgent struct{}

func (codexAgent) Name() string            { return "codex" }
func (codexAgent) DisplayName() string     { return "Codex" }
func (codexAgent) SessionFileName() string { return ".codex-session" }
func (codexAgent) StatusFileName() string  { return ".codex-status" }

// Codex only reports turn boundaries, so it never produces "error".
func (codexAgent) ValidStatusStates() []StatusState {
	return []StatusState{StatusWorking, StatusWaitingForUser, StatusIdle}
}

func (a codexAgent) ParseStatus(data []byte) (*AgentStatus, bool) {
	return parseStatus(data, a.ValidStatusStates())
}

func (codexAgent) ParseSessionData(data []byte) (*SessionData, bool) {
	return parseSessionData(data)
}

func (codexAgent) PermissionModes() []string {
	return []string{CodexModeReadOnly, CodexModeWorkspaceWrite, CodexModeFullAuto, CodexModeBypass}
}

func (codexAgent) DefaultPermissionMode() string { return CodexModeReadOnly }

func (a codexAgent) modeFlags(mode string) string {
	switch NormalizePermissionMode(a, mode) {
	case CodexModeWorkspaceWrite:
		return "--sandbox workspace-write --ask-for-approval on-request"
	case CodexModeFullAuto:
		return "--full-auto"
	case CodexModeBypass:
		return "--dangerously-bypass-approvals-and-sandbox"
	default:
		return "--sandbox read-only --ask-for-approval on-request"
	}
}

func (a codexAgent) BuildResumeCommand(sessionID, permissionMode string) string {
	return joinCommand("codex", "resume", a.modeFlags(permissionMode), shellQuote(sessionID))
}

func (a codexAgent) BuildFreshStartCommand(promptFile, permissionMode string) string {
	prompt := ""
	if promptFile != "" {
		prompt = promptArg(promptFile)
	}
	return joinCommand("codex", a.modeFlags(permissionMode), prompt)
}

func (codexAgent) HookSettingsPath(worktreePath string) string {
	return filepath.Join(worktreePath, ".codex", "config.toml")
}

// codexNotifyArgv is the notify program Codex runs after each turn; Codex
// appends the JSON event as the final argument.
func codexNotifyArgv(p HookPaths) []string {
	return []string{p.Binary, "hook", "codex-notify", "--status-file", p.StatusFile, "--session-file", p.SessionFile}
}

// RenderHookSettings sets the top-level notify key of the project config and
// keeps every other key.
func (codexAgent) RenderHookSettings(existing []byte, p HookPaths) ([]byte, error) {
	cfg := map[string]any{}
	if len(bytes.TrimSpace(existing)) > 0 {
		if _, err := toml.Decode(string(existing), &cfg); err != nil {
			return nil, fmt.Errorf("parse codex config: %w", err)
		}
	}
	cfg["notify"] = codexNotifyArgv(p)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode codex config: %w", err)
	}
	return buf.Bytes(), nil
}
