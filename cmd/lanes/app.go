package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/asheshgoplani/lanes/internal/config"
	"github.com/asheshgoplani/lanes/internal/git"
	"github.com/asheshgoplani/lanes/internal/logging"
	"github.com/asheshgoplani/lanes/internal/session"
	"github.com/asheshgoplani/lanes/internal/statedb"
	"github.com/asheshgoplani/lanes/internal/terminal"
	"github.com/asheshgoplani/lanes/internal/tmux"
)

var cliLog = logging.ForComponent(logging.CompCLI)

// app is everything one command needs: the repository it acts on, the
// configuration resolved for it and a wired orchestrator.
type app struct {
	repoRoot string
	user     *config.UserConfig
	cfg      session.LanesConfig
	orch     *session.Orchestrator
	host     terminal.Host
	db       *statedb.StateDB
}

// appOptions tweaks how newApp wires collaborators.
type appOptions struct {
	prompter session.Prompter
	notifier session.Notifier
}

// newApp resolves repoDir to its main repository, loads configuration for
// it and wires the orchestrator. A registry that cannot be opened is
// logged and left out; sessions work without it.
func newApp(ctx context.Context, repoDir string, opts appOptions) (*app, error) {
	if repoDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		repoDir = wd
	}

	repo := git.NewRepository(nil)
	if !repo.IsGitRepo(ctx, repoDir) {
		return nil, &session.ValidationError{Field: "workspace", Value: repoDir, Reason: "not a git repository", Err: git.ErrNotGitRepo}
	}
	repoRoot, err := repo.GetMainRepoRoot(ctx, repoDir)
	if err != nil {
		return nil, err
	}

	user, err := config.LoadForRepo(repoRoot)
	if err != nil {
		// Defaults are still usable; tell the user why their settings
		// did not apply.
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	cfg := user.Lanes()

	a := &app{repoRoot: repoRoot, user: user, cfg: cfg}
	a.host = newTerminalHost(cfg.Terminal)
	a.db = openRegistry()

	binary, err := session.LanesBinary()
	if err != nil {
		cliLog.Warn("lanes_binary_unknown", slog.String("error", err.Error()))
	}

	orchOpts := session.Options{
		Repo:       repo,
		Storage:    user.StorageContext(),
		Host:       a.host,
		Prompter:   opts.prompter,
		Notifier:   opts.notifier,
		HookBinary: binary,
	}
	if a.db != nil {
		orchOpts.Registry = a.db
	}
	a.orch = session.NewOrchestrator(orchOpts)
	return a, nil
}

// Close releases the registry.
func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

// newTerminalHost picks tmux unless configured otherwise or unavailable.
func newTerminalHost(kind string) terminal.Host {
	if kind == "pty" {
		return tmux.NewPTYHost()
	}
	if err := tmux.IsAvailable(); err != nil {
		cliLog.Warn("tmux_unavailable_using_pty", slog.String("error", err.Error()))
		return tmux.NewPTYHost()
	}
	return tmux.NewHost()
}

// openRegistry opens and migrates the project registry, or returns nil.
func openRegistry() *statedb.StateDB {
	path, err := config.GetRegistryPath()
	if err != nil {
		cliLog.Warn("registry_path_unknown", slog.String("error", err.Error()))
		return nil
	}
	db, err := statedb.Open(path)
	if err != nil {
		cliLog.Warn("registry_open_failed", slog.String("error", err.Error()))
		return nil
	}
	if err := db.Migrate(); err != nil {
		cliLog.Warn("registry_migrate_failed", slog.String("error", err.Error()))
		_ = db.Close()
		return nil
	}
	return db
}

// findSession resolves a user-supplied name against the sessions of the
// repository.
func (a *app) findSession(ctx context.Context, identifier string) (*session.Session, error) {
	s, err := a.orch.FindSession(ctx, a.repoRoot, identifier, a.cfg)
	if err == nil {
		return s, nil
	}
	var ve *session.ValidationError
	if !errors.Is(err, session.ErrSessionNotFound) && !errors.As(err, &ve) {
		return nil, err
	}

	sessions, err := a.orch.ListSessions(ctx, a.repoRoot, a.cfg)
	if err != nil {
		return nil, err
	}
	s, msg, code := ResolveSession(identifier, sessions)
	if s == nil {
		if code == ErrCodeNotFound {
			return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, identifier)
		}
		return nil, errors.New(msg)
	}
	return s, nil
}

// focus brings a session terminal to the foreground when stdin is
// interactive. PTY-hosted terminals die with this process, so for them
// focusing is the only way to use the agent at all.
func (a *app) focus(ctx context.Context, terminalName string) error {
	t, ok := a.host.Lookup(terminalName)
	if !ok {
		return fmt.Errorf("%w: %s", terminal.ErrNotFound, terminalName)
	}
	return t.Focus(ctx)
}

// isPTYHost reports whether terminals live inside this process.
func (a *app) isPTYHost() bool {
	_, ok := a.host.(*tmux.PTYHost)
	return ok
}
