package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/asheshgoplani/lanes/internal/git"
	"github.com/asheshgoplani/lanes/internal/terminal"
)

// CreateState is a step of session creation, recorded in logs and results.
type CreateState string

const (
	StateValidating          CreateState = "validating"
	StateResolvingConflict   CreateState = "resolving_conflict"
	StateCreatingWorktree    CreateState = "creating_worktree"
	StateProvisioningMarkers CreateState = "provisioning_markers"
	StateSuccess             CreateState = "success"
	StateFailed              CreateState = "failed"
	StateCancelled           CreateState = "cancelled"
)

// Options wires an Orchestrator to its collaborators. Registry, Prompter and
// Notifier may be nil.
type Options struct {
	Repo     *git.Repository
	Storage  StorageContext
	Host     terminal.Host
	Registry ProjectRegistry
	Prompter Prompter
	Notifier Notifier
	// HookBinary is the lanes executable hook commands call.
	HookBinary string
}

// Orchestrator runs the session lifecycle: create, open, delete, list and
// repair. Calls are expected to be serialized by the caller; git's own
// locking is what protects against two processes racing.
type Orchestrator struct {
	repo       *git.Repository
	storage    StorageContext
	host       terminal.Host
	launcher   *Launcher
	registry   ProjectRegistry
	prompter   Prompter
	notifier   Notifier
	hookBinary string
}

// NewOrchestrator builds an orchestrator from opts.
func NewOrchestrator(opts Options) *Orchestrator {
	repo := opts.Repo
	if repo == nil {
		repo = git.NewRepository(nil)
	}
	return &Orchestrator{
		repo:       repo,
		storage:    opts.Storage,
		host:       opts.Host,
		launcher:   NewLauncher(opts.Host, opts.Storage),
		registry:   opts.Registry,
		prompter:   opts.Prompter,
		notifier:   opts.Notifier,
		hookBinary: opts.HookBinary,
	}
}

// CreateRequest asks for a new session.
type CreateRequest struct {
	Name           string
	Prompt         string
	SourceBranch   string
	PermissionMode string
	// Agent names a registered backend; empty uses Config.DefaultAgent.
	Agent string
	// WorkspaceRoot is any directory inside the repository.
	WorkspaceRoot string
	Config        LanesConfig
}

// CreateResult reports a finished creation attempt. Partial failures after
// the worktree exists are reported here instead of failing the call.
type CreateResult struct {
	State     CreateState
	Cancelled bool
	Session   *Session
	// Reused is set when an existing branch was checked out.
	Reused bool

	HookError     error
	RegistryError error

	Launch      *LaunchResult
	LaunchError error
}

// CreateSession validates the request, resolves branch conflicts, creates
// the worktree, provisions hooks and launches the agent.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	res := &CreateResult{State: StateValidating}
	log := sessionLog.With(slog.String("request", req.Name))
	fail := func(err error) (*CreateResult, error) {
		log.Warn("create_failed", slog.String("state", string(res.State)), slog.String("error", err.Error()))
		res.State = StateFailed
		return res, err
	}
	transition := func(next CreateState) {
		log.Debug("create_state", slog.String("from", string(res.State)), slog.String("to", string(next)))
		res.State = next
	}

	// Validating
	agent, err := o.agentFor(req.Agent, req.Config)
	if err != nil {
		return fail(err)
	}
	if !o.repo.IsGitRepo(ctx, req.WorkspaceRoot) {
		return fail(&ValidationError{Field: "workspace", Value: req.WorkspaceRoot, Reason: "not a git repository", Err: git.ErrNotGitRepo})
	}
	repoRoot, err := o.repo.GetMainRepoRoot(ctx, req.WorkspaceRoot)
	if err != nil {
		return fail(err)
	}
	sourceBranch, err := o.sourceBranch(ctx, repoRoot, req)
	if err != nil {
		return fail(err)
	}

	// ResolvingConflict
	transition(StateResolvingConflict)
	candidate := req.Name
	var name string
	for {
		if err := ctx.Err(); err != nil {
			transition(StateCancelled)
			res.Cancelled = true
			return res, nil
		}

		name = git.SanitizeSessionName(candidate)
		if err := git.ValidateSessionName(name); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Value = candidate
			}
			return fail(err)
		}

		exists, err := o.repo.BranchExists(ctx, repoRoot, name)
		if err != nil {
			return fail(fmt.Errorf("check branch %s: %w", name, err))
		}
		if !exists {
			break
		}

		inUse, err := o.repo.ListBranchesInUseByWorktrees(ctx, repoRoot)
		if err != nil {
			return fail(err)
		}
		if inUse[name] {
			return fail(&ValidationError{Field: "branch", Value: name, Reason: "already checked out in another worktree", Err: ErrBranchInUse})
		}

		if o.prompter == nil {
			return fail(&ValidationError{Field: "branch", Value: name, Reason: "already exists", Err: ErrNoPrompter})
		}
		choice, err := o.prompter.ResolveConflict(ctx, name)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				choice = ConflictChoice{Action: ConflictCancel}
			} else {
				return fail(err)
			}
		}
		log.Info("branch_conflict", slog.String("branch", name), slog.String("choice", choice.Action.String()))

		switch choice.Action {
		case ConflictUseExisting:
			res.Reused = true
		case ConflictNewName:
			candidate = choice.Name
			continue
		default:
			transition(StateCancelled)
			res.Cancelled = true
			return res, nil
		}
		break
	}

	// CreatingWorktree
	transition(StateCreatingWorktree)
	worktreePath := req.Config.WorktreePath(repoRoot, name)
	opts := git.CreateWorktreeOptions{Path: worktreePath, Branch: name, ReuseExisting: res.Reused}
	if !res.Reused {
		opts.SourceBranch = sourceBranch
	}
	if err := o.repo.CreateWorktree(ctx, repoRoot, opts); err != nil {
		return fail(err)
	}

	// ProvisioningMarkers
	transition(StateProvisioningMarkers)
	sess := &Session{
		Name:         name,
		WorktreePath: worktreePath,
		BranchName:   name,
		RepoRoot:     repoRoot,
		Agent:        agent.Name(),
	}
	res.Session = sess

	if o.registry != nil {
		if err := o.registry.AddProject(ctx, name, worktreePath, []string{"lanes", agent.Name()}); err != nil {
			res.RegistryError = err
			log.Warn("registry_add_failed", slog.String("error", err.Error()))
		}
	}

	resolver := NewPathResolver(o.storage.WithRepo(repoRoot).WithAgent(agent))
	sess.StorageLocation = resolver.Resolve(MarkerStatus, name, worktreePath, req.Config).Location
	if err := o.installHooks(resolver, agent, sess, req.Config); err != nil {
		res.HookError = err
		log.Warn("hooks_install_failed", slog.String("error", err.Error()))
	}

	// Success
	transition(StateSuccess)
	launch, err := o.launcher.Launch(ctx, LaunchRequest{
		SessionName:    name,
		WorktreePath:   worktreePath,
		RepoRoot:       repoRoot,
		Prompt:         req.Prompt,
		PermissionMode: o.permissionMode(req.PermissionMode, req.Config),
		Agent:          agent,
		Config:         req.Config,
	})
	if err != nil {
		res.LaunchError = err
		log.Warn("launch_failed", slog.String("error", err.Error()))
	}
	res.Launch = launch
	o.refresh()

	log.Info("session_created",
		slog.String("session", name),
		slog.String("path", worktreePath),
		slog.Bool("reused", res.Reused))
	return res, nil
}

func (o *Orchestrator) agentFor(name string, cfg LanesConfig) (AgentBackend, error) {
	if name == "" {
		name = cfg.DefaultAgent
	}
	if name == "" {
		name = DefaultAgentName
	}
	agent, ok := GetAgent(name)
	if !ok {
		return nil, &ValidationError{Field: "agent", Value: name, Reason: "not one of " + fmt.Sprint(AgentNames()), Err: ErrUnknownAgent}
	}
	return agent, nil
}

func (o *Orchestrator) permissionMode(requested string, cfg LanesConfig) string {
	if requested != "" {
		return requested
	}
	return cfg.DefaultPermissionMode
}

// sourceBranch picks the start point for a new branch. An explicit request
// wins; otherwise Config.BaseBranch applies, with "auto" meaning the
// repository default branch and "" meaning HEAD.
func (o *Orchestrator) sourceBranch(ctx context.Context, repoRoot string, req CreateRequest) (string, error) {
	if req.SourceBranch != "" {
		return req.SourceBranch, nil
	}
	switch req.Config.BaseBranch {
	case "":
		return "", nil
	case AutoBaseBranch:
		branch, err := o.repo.GetDefaultBranch(ctx, repoRoot)
		if err != nil {
			sessionLog.Debug("default_branch_unknown", slog.String("error", err.Error()))
			return "", nil
		}
		return branch, nil
	default:
		return req.Config.BaseBranch, nil
	}
}

func (o *Orchestrator) installHooks(resolver *PathResolver, agent AgentBackend, sess *Session, cfg LanesConfig) error {
	return InstallHooks(agent, sess.WorktreePath, HookPaths{
		StatusFile:  resolver.ResolveMarkerPath(MarkerStatus, sess.Name, sess.WorktreePath, cfg),
		SessionFile: resolver.ResolveMarkerPath(MarkerSession, sess.Name, sess.WorktreePath, cfg),
		Binary:      o.hookBinary,
	})
}

func (o *Orchestrator) refresh() {
	if o.notifier != nil {
		o.notifier.Refresh()
	}
}

// OpenSession launches (or focuses) the terminal of an existing session.
func (o *Orchestrator) OpenSession(ctx context.Context, sess *Session, prompt, permissionMode string, cfg LanesConfig) (*LaunchResult, error) {
	agent, err := o.agentFor(sess.Agent, cfg)
	if err != nil {
		return nil, err
	}
	return o.launcher.Launch(ctx, LaunchRequest{
		SessionName:    sess.Name,
		WorktreePath:   sess.WorktreePath,
		RepoRoot:       sess.RepoRoot,
		Prompt:         prompt,
		PermissionMode: o.permissionMode(permissionMode, cfg),
		Agent:          agent,
		Config:         cfg,
	})
}

// DeleteSession disposes the session's terminal, unregisters it, removes the
// worktree and cleans up global marker storage. Only the worktree removal
// can fail the call; the branch itself is kept.
func (o *Orchestrator) DeleteSession(ctx context.Context, sess *Session, cfg LanesConfig) error {
	log := sessionLog.With(slog.String("session", sess.Name), slog.String("path", sess.WorktreePath))

	if o.host != nil {
		if t, ok := o.host.Lookup(TerminalName(sess.RepoRoot, sess.Name)); ok {
			if err := t.Dispose(); err != nil {
				log.Warn("terminal_dispose_failed", slog.String("error", err.Error()))
			}
		}
	}

	if o.registry != nil {
		if err := o.registry.RemoveProject(ctx, sess.WorktreePath); err != nil {
			log.Warn("registry_remove_failed", slog.String("error", err.Error()))
		}
	}

	if err := o.repo.RemoveWorktree(ctx, sess.RepoRoot, sess.WorktreePath); err != nil {
		return err
	}

	resolver := NewPathResolver(o.storage.WithRepo(sess.RepoRoot))
	if dir, ok := resolver.GlobalSessionDir(sess.Name, cfg); ok {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("global_storage_cleanup_failed", slog.String("dir", dir), slog.String("error", err.Error()))
		}
	}
	prompt := resolver.ResolveMarkerPath(MarkerPrompt, sess.Name, sess.WorktreePath, cfg)
	if err := os.Remove(prompt); err != nil && !os.IsNotExist(err) {
		log.Warn("prompt_cleanup_failed", slog.String("path", prompt), slog.String("error", err.Error()))
	}

	if err := o.repo.PruneWorktrees(ctx, sess.RepoRoot); err != nil {
		log.Warn("prune_failed", slog.String("error", err.Error()))
	}

	log.Info("session_deleted")
	o.refresh()
	return nil
}

// RepairBrokenWorktrees detects and repairs every broken worktree of the
// repository, returning one result per worktree found.
func (o *Orchestrator) RepairBrokenWorktrees(ctx context.Context, repoRoot string, cfg LanesConfig) ([]git.RepairResult, error) {
	broken, err := o.DetectBrokenWorktrees(repoRoot, cfg)
	if err != nil {
		return nil, err
	}

	results := make([]git.RepairResult, 0, len(broken))
	for _, bw := range broken {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r := o.repo.RepairWorktree(ctx, repoRoot, bw)
		if r.Err != nil {
			sessionLog.Warn("repair_failed", slog.String("path", bw.Path), slog.String("error", r.Err.Error()))
		}
		results = append(results, r)
	}

	if len(results) > 0 {
		if err := o.repo.PruneWorktrees(ctx, repoRoot); err != nil {
			sessionLog.Warn("prune_failed", slog.String("error", err.Error()))
		}
		o.refresh()
	}
	return results, nil
}

// DetectBrokenWorktrees lists broken worktrees without touching them.
func (o *Orchestrator) DetectBrokenWorktrees(repoRoot string, cfg LanesConfig) ([]git.BrokenWorktree, error) {
	folder, err := filepath.Rel(repoRoot, cfg.WorktreesDir(repoRoot))
	if err != nil {
		return nil, err
	}
	return git.DetectBrokenWorktrees(repoRoot, folder)
}

// RepoRoot resolves dir to the main checkout of its repository.
func (o *Orchestrator) RepoRoot(ctx context.Context, dir string) (string, error) {
	if !o.repo.IsGitRepo(ctx, dir) {
		return "", &ValidationError{Field: "workspace", Value: dir, Reason: "not a git repository", Err: git.ErrNotGitRepo}
	}
	return o.repo.GetMainRepoRoot(ctx, dir)
}
