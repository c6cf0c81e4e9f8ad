package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLaunchFixture(t *testing.T) (*Launcher, *fakeHost, LaunchRequest) {
	t.Helper()
	repo := t.TempDir()
	wt := filepath.Join(repo, ".worktrees", "feat")
	require.NoError(t, os.MkdirAll(wt, 0o755))

	host := newFakeHost()
	storage := StorageContext{GlobalRoot: t.TempDir()}
	req := LaunchRequest{
		SessionName:  "feat",
		WorktreePath: wt,
		RepoRoot:     repo,
		Agent:        claude(t),
		Config:       DefaultLanesConfig(),
	}
	return NewLauncher(host, storage), host, req
}

func TestLaunch_FreshStartPersistsPrompt(t *testing.T) {
	l, host, req := newLaunchFixture(t)
	req.Prompt = "Add a login page.\nUse 'forms'."

	res, err := l.Launch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.False(t, res.Resumed)

	promptFile := NewPathResolver(l.storage.WithRepo(req.RepoRoot)).ResolveMarkerPath(MarkerPrompt, "feat", req.WorktreePath, req.Config)
	data, err := os.ReadFile(promptFile)
	require.NoError(t, err)
	assert.Equal(t, req.Prompt, string(data))

	info, err := os.Stat(promptFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.Len(t, host.spawned, 1)
	term := host.spawned[0]
	assert.Equal(t, TerminalName(req.RepoRoot, "feat"), term.name)
	assert.Equal(t, req.WorktreePath, term.cfg.WorkDir)
	assert.Contains(t, term.cfg.Env, "LANES_SESSION=feat")
	assert.Equal(t, []string{`claude "$(cat ` + shellQuote(promptFile) + `)"`}, term.sent)
}

func TestLaunch_NoPromptStartsBareAgent(t *testing.T) {
	l, host, req := newLaunchFixture(t)
	req.PermissionMode = ClaudeModePlan

	res, err := l.Launch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "claude --permission-mode plan", res.Command)
	assert.Equal(t, []string{"claude --permission-mode plan"}, host.spawned[0].sent)
}

func TestLaunch_ResumesAndIgnoresPrompt(t *testing.T) {
	l, host, req := newLaunchFixture(t)
	req.Prompt = "ignored"

	sessionFile := NewPathResolver(l.storage.WithRepo(req.RepoRoot)).ResolveMarkerPath(MarkerSession, "feat", req.WorktreePath, req.Config)
	require.NoError(t, WriteSessionData(sessionFile, SessionData{SessionID: "s-42"}))

	res, err := l.Launch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, []string{"claude --resume 's-42'"}, host.spawned[0].sent)

	promptFile := NewPathResolver(l.storage.WithRepo(req.RepoRoot)).ResolveMarkerPath(MarkerPrompt, "feat", req.WorktreePath, req.Config)
	assert.NoFileExists(t, promptFile)
}

func TestLaunch_SecondCallFocuses(t *testing.T) {
	l, host, req := newLaunchFixture(t)

	_, err := l.Launch(context.Background(), req)
	require.NoError(t, err)
	res, err := l.Launch(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Reused)
	assert.Empty(t, res.Command)
	require.Len(t, host.spawned, 1)
	assert.Equal(t, 1, host.spawned[0].focused)
	assert.Len(t, host.spawned[0].sent, 1)
}

func TestLaunch_SendFailureDisposesTerminal(t *testing.T) {
	l, host, req := newLaunchFixture(t)
	host.sendErr = errors.New("pane gone")

	_, err := l.Launch(context.Background(), req)
	require.Error(t, err)
	require.Len(t, host.spawned, 1)
	assert.True(t, host.spawned[0].disposed)

	_, found := host.Lookup(TerminalName(req.RepoRoot, "feat"))
	assert.False(t, found)
}

func TestLaunch_SpawnFailure(t *testing.T) {
	l, host, req := newLaunchFixture(t)
	host.spawnErr = errors.New("no tmux")

	_, err := l.Launch(context.Background(), req)
	assert.ErrorContains(t, err, "no tmux")
}

func TestTerminalName(t *testing.T) {
	assert.Equal(t, "s", TerminalName("", "s"))
	assert.NotEqual(t, TerminalName("/a/app", "s"), TerminalName("/b/app", "s"))
}
