package tmux

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/lanes/internal/terminal"
)

// fakeTmux records calls and answers list-sessions from a set of names.
type fakeTmux struct {
	mu       sync.Mutex
	calls    [][]string
	sessions map[string]bool
	listErr  error
	lists    int
}

func newFakeTmux() *fakeTmux { return &fakeTmux{sessions: map[string]bool{}} }

func (f *fakeTmux) run(_ context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	switch args[0] {
	case "list-sessions":
		f.lists++
		if f.listErr != nil {
			return nil, f.listErr
		}
		var names []string
		for n := range f.sessions {
			names = append(names, n)
		}
		return []byte(strings.Join(names, "\n") + "\n"), nil
	case "new-session":
		f.sessions[args[3]] = true
	case "kill-session":
		if !f.sessions[args[2]] {
			return nil, errors.New("tmux kill-session: exit status 1 (output: can't find session: " + args[2] + ")")
		}
		delete(f.sessions, args[2])
	}
	return nil, nil
}

func (f *fakeTmux) callsOf(cmd string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == cmd {
			out = append(out, c)
		}
	}
	return out
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "lanes_feature-x", SessionName("feature-x"))
	assert.Equal(t, "lanes_my_repo", SessionName("my_repo"))

	n := SessionName("repo-1a2b/feat/x.y")
	assert.True(t, strings.HasPrefix(n, "lanes_repo-1a2b-feat-x-y_"))
	assert.Len(t, strings.TrimPrefix(n, "lanes_repo-1a2b-feat-x-y_"), 6)
	assert.NotContains(t, n, ".")
	assert.NotContains(t, n, ":")

	// Names that sanitize identically stay distinct.
	assert.NotEqual(t, SessionName("a/b"), SessionName("a.b"))
	assert.Equal(t, SessionName("a/b"), SessionName("a/b"))
}

func TestSpawnArgs(t *testing.T) {
	fake := newFakeTmux()
	h := &Host{run: fake.run}

	term, err := h.Spawn(context.Background(), terminal.Config{
		Name:    "repo/feat",
		WorkDir: "/work/feat",
		Env:     []string{"A=1", "B=2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "repo/feat", term.Name())

	created := fake.callsOf("new-session")
	require.Len(t, created, 1)
	name := SessionName("repo/feat")
	assert.Equal(t, []string{"new-session", "-d", "-s", name, "-c", "/work/feat", "-e", "A=1", "-e", "B=2"}, created[0])

	opts := fake.callsOf("set-option")
	require.Len(t, opts, 1)
	assert.Contains(t, opts[0], "@lanes_name")

	// Registered in the cache without another list-sessions.
	lists := fake.lists
	_, ok := h.Lookup("repo/feat")
	assert.True(t, ok)
	assert.Equal(t, lists, fake.lists)
}

func TestSpawnRejectsExisting(t *testing.T) {
	fake := newFakeTmux()
	fake.sessions[SessionName("dup")] = true
	h := &Host{run: fake.run}

	_, err := h.Spawn(context.Background(), terminal.Config{Name: "dup", WorkDir: "/tmp"})
	require.Error(t, err)
	assert.Empty(t, fake.callsOf("new-session"))
}

func TestLookupUsesCache(t *testing.T) {
	fake := newFakeTmux()
	fake.sessions[SessionName("one")] = true
	h := &Host{run: fake.run}

	_, ok := h.Lookup("one")
	assert.True(t, ok)
	_, ok = h.Lookup("two")
	assert.False(t, ok)
	assert.Equal(t, 1, fake.lists)

	h.cacheMu.Lock()
	h.cacheTime = time.Now().Add(-2 * cacheTTL)
	h.cacheMu.Unlock()
	_, _ = h.Lookup("one")
	assert.Equal(t, 2, fake.lists)
}

func TestLookupNoServer(t *testing.T) {
	fake := newFakeTmux()
	fake.listErr = errors.New("tmux list-sessions: exit status 1 (output: no server running on /tmp/tmux-0/default)")
	h := &Host{run: fake.run}

	_, ok := h.Lookup("anything")
	assert.False(t, ok)

	names, err := h.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestListSessionsFiltersPrefix(t *testing.T) {
	fake := newFakeTmux()
	fake.sessions["lanes_a"] = true
	fake.sessions["lanes_b"] = true
	fake.sessions["personal"] = true
	h := &Host{run: fake.run}

	names, err := h.ListSessions(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lanes_a", "lanes_b"}, names)
}

func TestSendTextLiteralThenEnter(t *testing.T) {
	fake := newFakeTmux()
	h := &Host{run: fake.run}
	s := &Session{host: h, name: "x", tmuxName: "lanes_x"}

	require.NoError(t, s.SendText(`claude "$(cat '/p/x.txt')"`))
	sends := fake.callsOf("send-keys")
	require.Len(t, sends, 2)
	assert.Equal(t, []string{"send-keys", "-l", "-t", "lanes_x", "--", `claude "$(cat '/p/x.txt')"`}, sends[0])
	assert.Equal(t, []string{"send-keys", "-t", "lanes_x", "Enter"}, sends[1])
}

func TestFocusInsideTmuxSwitchesClient(t *testing.T) {
	t.Setenv("TMUX", "/tmp/tmux-0/default,1,0")
	fake := newFakeTmux()
	h := &Host{run: fake.run}
	s := &Session{host: h, name: "x", tmuxName: "lanes_x"}

	require.NoError(t, s.Focus(context.Background()))
	assert.Equal(t, [][]string{{"switch-client", "-t", "lanes_x"}}, fake.callsOf("switch-client"))
}

func TestDisposeIsIdempotent(t *testing.T) {
	fake := newFakeTmux()
	h := &Host{run: fake.run}
	term, err := h.Spawn(context.Background(), terminal.Config{Name: "gone", WorkDir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, term.Dispose())
	require.NoError(t, term.Dispose())
	_, ok := h.Lookup("gone")
	assert.False(t, ok)
}

func TestDisposeReportsOtherErrors(t *testing.T) {
	h := &Host{run: func(context.Context, ...string) ([]byte, error) {
		return nil, errors.New("permission denied")
	}}
	s := &Session{host: h, name: "x", tmuxName: "lanes_x"}
	assert.Error(t, s.Dispose())
}

func TestRealTmuxRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}
	if err := IsAvailable(); err != nil {
		t.Skip(err.Error())
	}
	h := NewHost()
	name := "lanes-test/" + time.Now().Format("150405.000000")
	term, err := h.Spawn(context.Background(), terminal.Config{Name: name, WorkDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = term.Dispose() })

	found, ok := h.Lookup(name)
	require.True(t, ok)
	assert.Equal(t, name, found.Name())

	names, err := h.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, SessionName(name))

	require.NoError(t, term.Dispose())
	_, ok = h.Lookup(name)
	assert.False(t, ok)
}
