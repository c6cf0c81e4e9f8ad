package session

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAgent(t *testing.T) {
	a, ok := GetAgent(" Claude ")
	require.True(t, ok)
	assert.Equal(t, "claude", a.Name())

	_, ok = GetAgent("gemini")
	assert.False(t, ok)

	assert.Equal(t, []string{"claude", "codex"}, AgentNames())
}

func TestNormalizePermissionMode(t *testing.T) {
	c, _ := GetAgent("claude")
	x, _ := GetAgent("codex")

	assert.Equal(t, ClaudeModePlan, NormalizePermissionMode(c, ClaudeModePlan))
	assert.Equal(t, ClaudeModeDefault, NormalizePermissionMode(c, ""))
	assert.Equal(t, ClaudeModeDefault, NormalizePermissionMode(c, "--evil"))
	assert.Equal(t, ClaudeModeDefault, NormalizePermissionMode(c, CodexModeFullAuto))

	assert.Equal(t, CodexModeFullAuto, NormalizePermissionMode(x, CodexModeFullAuto))
	assert.Equal(t, CodexModeReadOnly, NormalizePermissionMode(x, ClaudeModePlan))
}

func TestClaudeCommands(t *testing.T) {
	c, _ := GetAgent("claude")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"resume", c.BuildResumeCommand("abc-123", ""), "claude --resume 'abc-123'"},
		{"resume plan", c.BuildResumeCommand("abc", ClaudeModePlan), "claude --resume 'abc' --permission-mode plan"},
		{"resume bypass", c.BuildResumeCommand("abc", ClaudeModeBypass), "claude --resume 'abc' --dangerously-skip-permissions"},
		{"fresh no prompt", c.BuildFreshStartCommand("", ""), "claude"},
		{"fresh prompt", c.BuildFreshStartCommand("/tmp/p.txt", ""), `claude "$(cat '/tmp/p.txt')"`},
		{"fresh accept edits", c.BuildFreshStartCommand("/tmp/p.txt", ClaudeModeAcceptEdits), `claude --permission-mode acceptEdits "$(cat '/tmp/p.txt')"`},
		{"quote in path", c.BuildFreshStartCommand("/tmp/it's.txt", ""), `claude "$(cat '/tmp/it'\''s.txt')"`},
		{"unknown mode dropped", c.BuildFreshStartCommand("", "--evil"), "claude"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestCodexCommands(t *testing.T) {
	x, _ := GetAgent("codex")

	assert.Equal(t, "codex resume --sandbox read-only --ask-for-approval on-request 'sess-1'", x.BuildResumeCommand("sess-1", ""))
	assert.Equal(t, "codex --full-auto", x.BuildFreshStartCommand("", CodexModeFullAuto))
	assert.Equal(t, `codex --dangerously-bypass-approvals-and-sandbox "$(cat '/p')"`, x.BuildFreshStartCommand("/p", CodexModeBypass))
}

func testHookPaths() HookPaths {
	return HookPaths{
		StatusFile:  "/g/app-1234abcd/feat/.claude-status",
		SessionFile: "/g/app-1234abcd/feat/.claude-session",
		Binary:      "/usr/local/bin/lanes",
	}
}

func TestClaudeRenderHookSettings_Fresh(t *testing.T) {
	c, _ := GetAgent("claude")
	out, err := c.RenderHookSettings(nil, testHookPaths())
	require.NoError(t, err)

	var settings struct {
		Hooks map[string][]hookMatcher `json:"hooks"`
	}
	require.NoError(t, json.Unmarshal(out, &settings))

	for _, ev := range []string{"SessionStart", "UserPromptSubmit", "PreToolUse", "Notification", "Stop"} {
		require.Len(t, settings.Hooks[ev], 1, ev)
	}

	start := settings.Hooks["SessionStart"][0].Hooks
	require.Len(t, start, 2)
	assert.Equal(t, "'/usr/local/bin/lanes' hook status --file '/g/app-1234abcd/feat/.claude-status' --state idle", start[0].Command)
	assert.Equal(t, "'/usr/local/bin/lanes' hook session --agent claude --file '/g/app-1234abcd/feat/.claude-session'", start[1].Command)

	assert.Contains(t, settings.Hooks["Stop"][0].Hooks[0].Command, "--state waiting_for_user")
	assert.Contains(t, settings.Hooks["UserPromptSubmit"][0].Hooks[0].Command, "--state working")
	assert.Equal(t, "permission_prompt|elicitation_dialog", settings.Hooks["Notification"][0].Matcher)
}

func TestClaudeRenderHookSettings_PreservesUserContent(t *testing.T) {
	c, _ := GetAgent("claude")
	existing := []byte(`{
  "permissions": {"allow": ["Bash(npm test)"]},
  "hooks": {
    "Stop": [{"hooks": [{"type": "command", "command": "say done"}]}],
    "PostToolUse": [{"matcher": "Edit", "hooks": [{"type": "command", "command": "gofmt -w ."}]}]
  }
}`)

	first, err := c.RenderHookSettings(existing, testHookPaths())
	require.NoError(t, err)

	// re-rendering with new paths replaces lanes hooks instead of stacking them
	moved := testHookPaths()
	moved.StatusFile = "/elsewhere/.claude-status"
	out, err := c.RenderHookSettings(first, moved)
	require.NoError(t, err)

	var settings map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &settings))
	assert.JSONEq(t, `{"allow": ["Bash(npm test)"]}`, string(settings["permissions"]))

	var hooks map[string][]hookMatcher
	require.NoError(t, json.Unmarshal(settings["hooks"], &hooks))

	require.Len(t, hooks["PostToolUse"], 1)
	assert.Equal(t, "gofmt -w .", hooks["PostToolUse"][0].Hooks[0].Command)

	var stopCommands []string
	for _, m := range hooks["Stop"] {
		for _, h := range m.Hooks {
			stopCommands = append(stopCommands, h.Command)
		}
	}
	require.Len(t, stopCommands, 2)
	assert.Equal(t, "say done", stopCommands[0])
	assert.Contains(t, stopCommands[1], "/elsewhere/.claude-status")
	assert.NotContains(t, string(out), "/g/app-1234abcd/feat/.claude-status")
}

func TestClaudeRenderHookSettings_KeepsUnknownHookFields(t *testing.T) {
	c, _ := GetAgent("claude")
	userStop := `{"hooks": [{"type": "prompt", "prompt": "Check the tests pass", "timeout": 30}]}`
	userPre := `{"matcher": "Bash", "hooks": [{"type": "command", "command": "audit", "shell": "zsh"}], "note": "keep"}`
	existing := []byte(`{"hooks": {"Stop": [` + userStop + `], "PreToolUse": [` + userPre + `]}}`)

	first, err := c.RenderHookSettings(existing, testHookPaths())
	require.NoError(t, err)
	out, err := c.RenderHookSettings(first, testHookPaths())
	require.NoError(t, err)

	var settings struct {
		Hooks map[string][]json.RawMessage `json:"hooks"`
	}
	require.NoError(t, json.Unmarshal(out, &settings))

	require.Len(t, settings.Hooks["Stop"], 2)
	assert.JSONEq(t, userStop, string(settings.Hooks["Stop"][0]))
	assert.Contains(t, string(settings.Hooks["Stop"][1]), "hook status --file")

	require.Len(t, settings.Hooks["PreToolUse"], 2)
	assert.JSONEq(t, userPre, string(settings.Hooks["PreToolUse"][0]))
}

func TestClaudeRenderHookSettings_MixedGroupKeepsUserEntries(t *testing.T) {
	c, _ := GetAgent("claude")
	lanes := statusHookCommand(testHookPaths(), StatusWaitingForUser)
	lanesJSON, err := json.Marshal(lanes)
	require.NoError(t, err)
	existing := []byte(`{"hooks": {"Stop": [{"hooks": [
		{"type": "prompt", "prompt": "Summarize"},
		{"type": "command", "command": ` + string(lanesJSON) + `}
	]}]}}`)

	out, err := c.RenderHookSettings(existing, testHookPaths())
	require.NoError(t, err)

	var settings struct {
		Hooks map[string][]json.RawMessage `json:"hooks"`
	}
	require.NoError(t, json.Unmarshal(out, &settings))
	require.Len(t, settings.Hooks["Stop"], 2)
	assert.JSONEq(t, `{"hooks": [{"type": "prompt", "prompt": "Summarize"}]}`, string(settings.Hooks["Stop"][0]))
	assert.Contains(t, string(settings.Hooks["Stop"][1]), "--state waiting_for_user")
}

func TestClaudeRenderHookSettings_InvalidJSON(t *testing.T) {
	c, _ := GetAgent("claude")
	_, err := c.RenderHookSettings([]byte("{oops"), testHookPaths())
	assert.Error(t, err)
}

func TestCodexRenderHookSettings(t *testing.T) {
	x, _ := GetAgent("codex")
	existing := []byte("model = \"o3\"\n\n[sandbox_workspace_write]\nnetwork_access = true\n")

	out, err := x.RenderHookSettings(existing, testHookPaths())
	require.NoError(t, err)

	var cfg struct {
		Model  string   `toml:"model"`
		Notify []string `toml:"notify"`
		Box    struct {
			NetworkAccess bool `toml:"network_access"`
		} `toml:"sandbox_workspace_write"`
	}
	_, err = toml.Decode(string(out), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "o3", cfg.Model)
	assert.True(t, cfg.Box.NetworkAccess)
	assert.Equal(t, []string{
		"/usr/local/bin/lanes", "hook", "codex-notify",
		"--status-file", "/g/app-1234abcd/feat/.claude-status",
		"--session-file", "/g/app-1234abcd/feat/.claude-session",
	}, cfg.Notify)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'a'\''b'`, shellQuote("a'b"))
	assert.Equal(t, "'$(x)'", shellQuote("$(x)"))
	assert.False(t, strings.Contains(joinCommand("a", "", "b"), "  "))
}
