package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/lanes/internal/git"
)

// decorateConcurrency bounds parallel marker reads in ListSessions.
const decorateConcurrency = 8

// ListSessions returns every session of the repository: registered
// worktrees under the worktrees folder plus unregistered directories there
// (reported as Broken when their .git pointer dangles). Sessions are sorted
// by name and decorated with their marker state.
func (o *Orchestrator) ListSessions(ctx context.Context, repoRoot string, cfg LanesConfig) ([]*Session, error) {
	dir := cfg.WorktreesDir(repoRoot)
	byPath := map[string]*Session{}

	wts, err := o.repo.ListWorktrees(ctx, repoRoot)
	if err != nil {
		return nil, err
	}
	for _, wt := range wts {
		rel, ok := childOf(dir, wt.Path)
		if !ok {
			continue
		}
		byPath[filepath.Clean(wt.Path)] = &Session{
			Name:         filepath.ToSlash(rel),
			WorktreePath: filepath.Clean(wt.Path),
			BranchName:   wt.Branch,
			RepoRoot:     repoRoot,
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &FilesystemError{Op: "readdir", Path: dir, Err: err}
	}
	broken := map[string]bool{}
	if bws, err := o.DetectBrokenWorktrees(repoRoot, cfg); err == nil {
		for _, bw := range bws {
			broken[filepath.Clean(bw.Path)] = true
		}
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if !e.IsDir() || strings.Contains(e.Name(), git.BackupMarker) || !broken[path] {
			continue
		}
		if _, seen := byPath[path]; !seen {
			byPath[path] = &Session{Name: e.Name(), WorktreePath: path, BranchName: e.Name(), RepoRoot: repoRoot}
		}
		byPath[path].Broken = true
	}

	sessions := make([]*Session, 0, len(byPath))
	for _, s := range byPath {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name < sessions[j].Name })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(decorateConcurrency)
	for _, s := range sessions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			o.decorate(s, cfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// FindSession returns the session named name, decorated.
func (o *Orchestrator) FindSession(ctx context.Context, repoRoot, name string, cfg LanesConfig) (*Session, error) {
	if err := git.ValidateSessionName(name); err != nil {
		return nil, err
	}
	path := cfg.WorktreePath(repoRoot, name)
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}

	sess := &Session{Name: name, WorktreePath: path, BranchName: name, RepoRoot: repoRoot}
	if wts, err := o.repo.ListWorktrees(ctx, repoRoot); err == nil {
		for _, wt := range wts {
			if filepath.Clean(wt.Path) == path && wt.Branch != "" {
				sess.BranchName = wt.Branch
			}
		}
	}
	o.decorate(sess, cfg)
	return sess, nil
}

// decorate fills marker-derived fields. It only reads files.
func (o *Orchestrator) decorate(s *Session, cfg LanesConfig) {
	agent := o.detectAgent(s, cfg)
	s.Agent = agent.Name()

	resolver := NewPathResolver(o.storage.WithRepo(s.RepoRoot).WithAgent(agent))
	status := resolver.Resolve(MarkerStatus, s.Name, s.WorktreePath, cfg)
	s.StorageLocation = status.Location
	s.Status = ReadStatus(agent, status.Path)
	if sd := ReadSessionData(agent, resolver.ResolveMarkerPath(MarkerSession, s.Name, s.WorktreePath, cfg)); sd != nil {
		s.AgentSessionID = sd.SessionID
	}
	s.Features = ReadFeatureStatus(resolver.ResolveMarkerPath(MarkerFeatures, s.Name, s.WorktreePath, cfg))
	s.Workflow = ReadWorkflowState(resolver.WorkflowStatePath(s.WorktreePath, cfg))
}

// detectAgent picks the backend whose markers exist for the session,
// preferring the configured default.
func (o *Orchestrator) detectAgent(s *Session, cfg LanesConfig) AgentBackend {
	def, err := o.agentFor(s.Agent, cfg)
	if err != nil {
		def, _ = GetAgent(DefaultAgentName)
	}
	candidates := []AgentBackend{def}
	for _, name := range AgentNames() {
		if a, _ := GetAgent(name); a.Name() != def.Name() {
			candidates = append(candidates, a)
		}
	}
	for _, a := range candidates {
		resolver := NewPathResolver(o.storage.WithRepo(s.RepoRoot).WithAgent(a))
		for _, kind := range []MarkerKind{MarkerSession, MarkerStatus} {
			if _, err := os.Stat(resolver.ResolveMarkerPath(kind, s.Name, s.WorktreePath, cfg)); err == nil {
				return a
			}
		}
		if _, err := os.Stat(a.HookSettingsPath(s.WorktreePath)); err == nil {
			return a
		}
	}
	return def
}

// RewriteHooks reinstalls hook settings in every healthy session of the
// repository, typically after a configuration change moved marker paths.
// It returns how many sessions were updated.
func (o *Orchestrator) RewriteHooks(ctx context.Context, repoRoot string, cfg LanesConfig) (int, error) {
	sessions, err := o.ListSessions(ctx, repoRoot, cfg)
	if err != nil {
		return 0, err
	}
	var errs []error
	updated := 0
	for _, s := range sessions {
		if s.Broken {
			continue
		}
		agent, err := o.agentFor(s.Agent, cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		resolver := NewPathResolver(o.storage.WithRepo(repoRoot).WithAgent(agent))
		if err := o.installHooks(resolver, agent, s, cfg); err != nil {
			sessionLog.Warn("hooks_rewrite_failed", slog.String("session", s.Name), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		updated++
	}
	return updated, errors.Join(errs...)
}

// childOf reports whether path lies strictly inside dir, returning the
// relative path.
func childOf(dir, path string) (string, bool) {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}
