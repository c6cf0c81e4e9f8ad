package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/lanes/internal/git"
)

type orchFixture struct {
	repo      string
	orch      *Orchestrator
	host      *fakeHost
	registry  *fakeRegistry
	prompter  *scriptedPrompter
	refreshes int
	storage   StorageContext
	cfg       LanesConfig
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	f := &orchFixture{
		repo:     newTestRepo(t),
		host:     newFakeHost(),
		registry: &fakeRegistry{},
		prompter: &scriptedPrompter{},
		storage:  StorageContext{GlobalRoot: t.TempDir()},
		cfg:      DefaultLanesConfig(),
	}
	f.orch = NewOrchestrator(Options{
		Storage:    f.storage,
		Host:       f.host,
		Registry:   f.registry,
		Prompter:   f.prompter,
		Notifier:   NotifierFunc(func() { f.refreshes++ }),
		HookBinary: "/opt/lanes/bin/lanes",
	})
	return f
}

func (f *orchFixture) create(t *testing.T, name string) (*CreateResult, error) {
	t.Helper()
	return f.orch.CreateSession(context.Background(), CreateRequest{
		Name:          name,
		WorkspaceRoot: f.repo,
		Config:        f.cfg,
	})
}

func (f *orchFixture) branchExists(t *testing.T, name string) bool {
	t.Helper()
	ok, err := git.NewRepository(nil).BranchExists(context.Background(), f.repo, name)
	require.NoError(t, err)
	return ok
}

func TestCreateSession_NewBranch(t *testing.T) {
	f := newOrchFixture(t)

	res, err := f.orch.CreateSession(context.Background(), CreateRequest{
		Name:          "Fix login bug",
		Prompt:        "Fix the login bug",
		WorkspaceRoot: f.repo,
		Config:        f.cfg,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Session)

	assert.Equal(t, StateSuccess, res.State)
	assert.False(t, res.Reused)
	assert.Equal(t, "Fix-login-bug", res.Session.Name)
	assert.Equal(t, filepath.Join(f.repo, ".worktrees", "Fix-login-bug"), res.Session.WorktreePath)
	assert.Equal(t, LocationGlobal, res.Session.StorageLocation)
	assert.True(t, f.branchExists(t, "Fix-login-bug"))
	assert.FileExists(t, filepath.Join(res.Session.WorktreePath, "README.md"))

	assert.NoError(t, res.HookError)
	assert.FileExists(t, filepath.Join(res.Session.WorktreePath, ".claude", "settings.local.json"))
	assert.Equal(t, []string{res.Session.WorktreePath}, f.registry.added)

	require.NoError(t, res.LaunchError)
	require.NotNil(t, res.Launch)
	require.Len(t, f.host.spawned, 1)
	assert.Contains(t, f.host.spawned[0].sent[0], `"$(cat `)
	assert.Equal(t, 1, f.refreshes)
}

func TestCreateSession_SourceBranch(t *testing.T) {
	f := newOrchFixture(t)
	gitRun(t, f.repo, "checkout", "-q", "-b", "develop")
	require.NoError(t, os.WriteFile(filepath.Join(f.repo, "develop.txt"), []byte("d"), 0o644))
	gitRun(t, f.repo, "add", ".")
	gitRun(t, f.repo, "commit", "-q", "-m", "develop")
	gitRun(t, f.repo, "checkout", "-q", "main")

	res, err := f.orch.CreateSession(context.Background(), CreateRequest{
		Name:          "from-develop",
		SourceBranch:  "develop",
		WorkspaceRoot: f.repo,
		Config:        f.cfg,
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(res.Session.WorktreePath, "develop.txt"))
}

func TestCreateSession_MissingSourceBranch(t *testing.T) {
	f := newOrchFixture(t)

	res, err := f.orch.CreateSession(context.Background(), CreateRequest{
		Name:          "feature",
		SourceBranch:  "does-not-exist",
		WorkspaceRoot: f.repo,
		Config:        f.cfg,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, git.ErrBranchNotFound)
	assert.Equal(t, StateFailed, res.State)
	assert.NoDirExists(t, filepath.Join(f.repo, ".worktrees", "feature"))
	assert.False(t, f.branchExists(t, "feature"))
}

func TestCreateSession_InvalidNames(t *testing.T) {
	f := newOrchFixture(t)

	for _, name := range []string{"", "   ", "!!!", "...", "--"} {
		t.Run(name, func(t *testing.T) {
			res, err := f.create(t, name)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.ErrorIs(t, err, git.ErrInvalidBranchName)
			assert.Equal(t, StateFailed, res.State)
		})
	}

	entries, _ := os.ReadDir(filepath.Join(f.repo, ".worktrees"))
	assert.Empty(t, entries)
	assert.Empty(t, f.host.spawned)
}

func TestCreateSession_RejectsNamesGitRefuses(t *testing.T) {
	f := newOrchFixture(t)

	for _, name := range []string{"feat/.hidden", "topic.lock/x"} {
		t.Run(name, func(t *testing.T) {
			res, err := f.create(t, name)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.ErrorIs(t, err, git.ErrInvalidBranchName)
			assert.Equal(t, StateFailed, res.State)
		})
	}

	entries, _ := os.ReadDir(filepath.Join(f.repo, ".worktrees"))
	assert.Empty(t, entries)
	_, err := f.orch.FindSession(context.Background(), f.repo, "feat", f.cfg)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.orch.FindSession(context.Background(), f.repo, "topic", f.cfg)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateSession_NotAGitRepo(t *testing.T) {
	f := newOrchFixture(t)
	_, err := f.orch.CreateSession(context.Background(), CreateRequest{
		Name:          "x",
		WorkspaceRoot: t.TempDir(),
		Config:        f.cfg,
	})
	assert.ErrorIs(t, err, git.ErrNotGitRepo)
}

func TestCreateSession_UnknownAgent(t *testing.T) {
	f := newOrchFixture(t)
	_, err := f.orch.CreateSession(context.Background(), CreateRequest{
		Name:          "x",
		Agent:         "eliza",
		WorkspaceRoot: f.repo,
		Config:        f.cfg,
	})
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestCreateSession_ConflictUseExisting(t *testing.T) {
	f := newOrchFixture(t)
	gitRun(t, f.repo, "branch", "existing")
	f.prompter.answers = []ConflictChoice{{Action: ConflictUseExisting}}
	before := gitRun(t, f.repo, "branch", "--list", "--format=%(refname:short)")

	res, err := f.create(t, "existing")
	require.NoError(t, err)
	assert.True(t, res.Reused)
	assert.Equal(t, []string{"existing"}, f.prompter.asked)
	assert.Equal(t, before, gitRun(t, f.repo, "branch", "--list", "--format=%(refname:short)"))

	head := strings.TrimSpace(gitRun(t, res.Session.WorktreePath, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Equal(t, "existing", head)
}

func TestCreateSession_ConflictCancel(t *testing.T) {
	f := newOrchFixture(t)
	gitRun(t, f.repo, "branch", "existing")
	f.prompter.answers = []ConflictChoice{{Action: ConflictCancel}}

	res, err := f.create(t, "existing")
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, StateCancelled, res.State)
	assert.Nil(t, res.Session)
	assert.NoDirExists(t, filepath.Join(f.repo, ".worktrees", "existing"))
	assert.Empty(t, f.host.spawned)
	assert.Zero(t, f.refreshes)
}

func TestCreateSession_ConflictNewName(t *testing.T) {
	f := newOrchFixture(t)
	gitRun(t, f.repo, "branch", "existing")
	gitRun(t, f.repo, "branch", "existing-2")
	f.prompter.answers = []ConflictChoice{
		{Action: ConflictNewName, Name: "existing 2"},
		{Action: ConflictNewName, Name: "existing 3"},
	}

	res, err := f.create(t, "existing")
	require.NoError(t, err)
	assert.Equal(t, "existing-3", res.Session.Name)
	assert.False(t, res.Reused)
	assert.Equal(t, []string{"existing", "existing-2"}, f.prompter.asked)
}

func TestCreateSession_PrompterContextCancelled(t *testing.T) {
	f := newOrchFixture(t)
	gitRun(t, f.repo, "branch", "existing")
	f.orch.prompter = PrompterFunc(func(ctx context.Context, _ string) (ConflictChoice, error) {
		return ConflictChoice{}, context.Canceled
	})

	res, err := f.create(t, "existing")
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
}

func TestCreateSession_PrompterError(t *testing.T) {
	f := newOrchFixture(t)
	gitRun(t, f.repo, "branch", "existing")
	boom := errors.New("tty closed")
	f.orch.prompter = PrompterFunc(func(context.Context, string) (ConflictChoice, error) {
		return ConflictChoice{}, boom
	})

	_, err := f.create(t, "existing")
	assert.ErrorIs(t, err, boom)
}

func TestCreateSession_BranchInUse(t *testing.T) {
	f := newOrchFixture(t)

	// main is checked out by the main worktree
	res, err := f.create(t, "main")
	assert.ErrorIs(t, err, ErrBranchInUse)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, f.prompter.asked, "a hard conflict is never offered for reuse")

	_, err = f.create(t, "taken")
	require.NoError(t, err)
	_, err = f.create(t, "taken")
	assert.ErrorIs(t, err, ErrBranchInUse)
}

func TestCreateSession_NoPrompter(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.prompter = nil
	gitRun(t, f.repo, "branch", "existing")

	_, err := f.create(t, "existing")
	assert.ErrorIs(t, err, ErrNoPrompter)
}

func TestCreateSession_CancelledContext(t *testing.T) {
	f := newOrchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orch.CreateSession(ctx, CreateRequest{Name: "late", WorkspaceRoot: f.repo, Config: f.cfg})
	if err == nil {
		assert.True(t, res.Cancelled)
	}
	assert.NoDirExists(t, filepath.Join(f.repo, ".worktrees", "late"))
}

func TestCreateSession_RegistryFailureIsReported(t *testing.T) {
	f := newOrchFixture(t)
	f.registry.err = errors.New("db locked")

	res, err := f.create(t, "reg")
	require.NoError(t, err)
	assert.ErrorContains(t, res.RegistryError, "db locked")
	assert.DirExists(t, res.Session.WorktreePath)
}

func TestCreateSession_LaunchFailureKeepsWorktree(t *testing.T) {
	f := newOrchFixture(t)
	f.host.spawnErr = errors.New("no terminal")

	res, err := f.create(t, "headless")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, res.State)
	assert.Error(t, res.LaunchError)
	assert.DirExists(t, res.Session.WorktreePath)
}

func TestCreateSession_Codex(t *testing.T) {
	f := newOrchFixture(t)
	res, err := f.orch.CreateSession(context.Background(), CreateRequest{
		Name:           "cx",
		Agent:          "codex",
		PermissionMode: CodexModeFullAuto,
		WorkspaceRoot:  f.repo,
		Config:         f.cfg,
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(res.Session.WorktreePath, ".codex", "config.toml"))
	assert.Equal(t, "codex --full-auto", res.Launch.Command)

	sessions, err := f.orch.ListSessions(context.Background(), f.repo, f.cfg)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "codex", sessions[0].Agent)
}

func TestCreateSession_FromNestedWorktree(t *testing.T) {
	f := newOrchFixture(t)
	res, err := f.create(t, "outer")
	require.NoError(t, err)

	// creating from inside a session still targets the main checkout
	nested, err := f.orch.CreateSession(context.Background(), CreateRequest{
		Name:          "inner",
		WorkspaceRoot: res.Session.WorktreePath,
		Config:        f.cfg,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.repo, ".worktrees", "inner"), nested.Session.WorktreePath)
}

func TestOpenSession_ResumesAfterSessionCaptured(t *testing.T) {
	f := newOrchFixture(t)
	res, err := f.create(t, "resumable")
	require.NoError(t, err)

	// the terminal went away, and the agent hook captured an id meanwhile
	require.NoError(t, f.host.spawned[0].Dispose())
	sess, err := f.orch.FindSession(context.Background(), f.repo, "resumable", f.cfg)
	require.NoError(t, err)
	resolver := NewPathResolver(f.storage.WithRepo(f.repo))
	require.NoError(t, WriteSessionData(resolver.ResolveMarkerPath(MarkerSession, sess.Name, sess.WorktreePath, f.cfg), SessionData{SessionID: "abc123"}))

	launch, err := f.orch.OpenSession(context.Background(), sess, "", "", f.cfg)
	require.NoError(t, err)
	assert.True(t, launch.Resumed)
	assert.Equal(t, "claude --resume 'abc123'", launch.Command)
	assert.Equal(t, res.Launch.TerminalName, launch.TerminalName)
}

func TestDeleteSession(t *testing.T) {
	f := newOrchFixture(t)
	res, err := f.create(t, "doomed")
	require.NoError(t, err)

	sess := res.Session
	resolver := NewPathResolver(f.storage.WithRepo(f.repo))
	globalDir, ok := resolver.GlobalSessionDir(sess.Name, f.cfg)
	require.True(t, ok)
	require.NoError(t, WriteStatus(filepath.Join(globalDir, ".claude-status"), AgentStatus{State: StatusIdle}))
	require.NoError(t, os.WriteFile(filepath.Join(sess.WorktreePath, "dirty.txt"), []byte("uncommitted"), 0o644))

	require.NoError(t, f.orch.DeleteSession(context.Background(), sess, f.cfg))

	assert.NoDirExists(t, sess.WorktreePath)
	assert.NoDirExists(t, globalDir)
	assert.True(t, f.host.spawned[0].disposed)
	assert.Equal(t, []string{sess.WorktreePath}, f.registry.removed)
	assert.True(t, f.branchExists(t, "doomed"), "branch is kept")
	assert.Equal(t, 2, f.refreshes)

	_, err = f.orch.FindSession(context.Background(), f.repo, "doomed", f.cfg)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteSession_AlreadyRemovedDirectory(t *testing.T) {
	f := newOrchFixture(t)
	res, err := f.create(t, "gone")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(res.Session.WorktreePath))

	require.NoError(t, f.orch.DeleteSession(context.Background(), res.Session, f.cfg))
	out := gitRun(t, f.repo, "worktree", "list", "--porcelain")
	assert.NotContains(t, out, res.Session.WorktreePath)
}

func TestDeleteSession_BrokenWorktree(t *testing.T) {
	f := newOrchFixture(t)
	res, err := f.create(t, "stale")
	require.NoError(t, err)
	wt := res.Session.WorktreePath
	require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: /old/host/repo/.git/worktrees/stale\n"), 0o644))

	sessions, err := f.orch.ListSessions(context.Background(), f.repo, f.cfg)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.True(t, sessions[0].Broken)

	require.NoError(t, f.orch.DeleteSession(context.Background(), sessions[0], f.cfg))
	assert.NoDirExists(t, wt)
	assert.NotContains(t, gitRun(t, f.repo, "worktree", "list", "--porcelain"), wt)

	sessions, err = f.orch.ListSessions(context.Background(), f.repo, f.cfg)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestListSessions(t *testing.T) {
	f := newOrchFixture(t)
	for _, name := range []string{"zeta", "alpha", "feat/nested"} {
		_, err := f.create(t, name)
		require.NoError(t, err)
	}
	// a worktree outside the worktrees folder is not a session
	gitRun(t, f.repo, "worktree", "add", "-q", "-b", "outside", filepath.Join(t.TempDir(), "outside"))

	sessions, err := f.orch.ListSessions(context.Background(), f.repo, f.cfg)
	require.NoError(t, err)

	var names []string
	for _, s := range sessions {
		names = append(names, s.Name)
		assert.False(t, s.Broken)
		assert.Equal(t, s.Name, s.BranchName)
		assert.Equal(t, "claude", s.Agent)
	}
	assert.Equal(t, []string{"alpha", "feat/nested", "zeta"}, names)
}

func TestListSessions_DecoratesMarkers(t *testing.T) {
	f := newOrchFixture(t)
	res, err := f.create(t, "busy")
	require.NoError(t, err)
	wt := res.Session.WorktreePath

	resolver := NewPathResolver(f.storage.WithRepo(f.repo))
	require.NoError(t, WriteStatus(resolver.ResolveMarkerPath(MarkerStatus, "busy", wt, f.cfg), AgentStatus{State: StatusWorking}))
	require.NoError(t, WriteSessionData(resolver.ResolveMarkerPath(MarkerSession, "busy", wt, f.cfg), SessionData{SessionID: "id-1"}))
	require.NoError(t, os.WriteFile(filepath.Join(wt, FeaturesFile), []byte(`{"features":[{"id":"a","passes":true}]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(wt, WorkflowStateFile), []byte(`{"status":"running","step":"plan"}`), 0o644))

	sess, err := f.orch.FindSession(context.Background(), f.repo, "busy", f.cfg)
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, sess.State())
	assert.True(t, sess.Resumable())
	require.NotNil(t, sess.Features)
	assert.True(t, sess.Features.AllComplete)
	assert.True(t, sess.Workflow.Active())
}

func TestRepairBrokenWorktrees(t *testing.T) {
	f := newOrchFixture(t)
	res, err := f.create(t, "fragile")
	require.NoError(t, err)
	wt := res.Session.WorktreePath

	require.NoError(t, os.WriteFile(filepath.Join(wt, "notes.txt"), []byte("keep me"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: /old/host/repo/.git/worktrees/fragile\n"), 0o644))

	sessions, err := f.orch.ListSessions(context.Background(), f.repo, f.cfg)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Broken)

	results, err := f.orch.RepairBrokenWorktrees(context.Background(), f.repo, f.cfg)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success, "repair error: %v", results[0].Err)

	data, err := os.ReadFile(filepath.Join(wt, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
	info, err := os.Stat(filepath.Join(wt, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	broken, err := f.orch.DetectBrokenWorktrees(f.repo, f.cfg)
	require.NoError(t, err)
	assert.Empty(t, broken)

	entries, err := os.ReadDir(filepath.Join(f.repo, ".worktrees"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), git.BackupMarker)
	}
}

func TestRepairBrokenWorktrees_NothingToDo(t *testing.T) {
	f := newOrchFixture(t)
	results, err := f.orch.RepairBrokenWorktrees(context.Background(), f.repo, f.cfg)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, f.refreshes)
}

func TestRewriteHooks(t *testing.T) {
	f := newOrchFixture(t)
	res, err := f.create(t, "hooked")
	require.NoError(t, err)

	cfg := f.cfg
	cfg.UseGlobalStorage = false
	n, err := f.orch.RewriteHooks(context.Background(), f.repo, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(filepath.Join(res.Session.WorktreePath, ".claude", "settings.local.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), filepath.Join(res.Session.WorktreePath, ConventionDir, ".claude-status"))
}
