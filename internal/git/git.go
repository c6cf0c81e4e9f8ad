// Package git is the version-control boundary for lanes: every branch and
// worktree question is answered by running git through an Executor.
package git

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/lanes/internal/logging"
)

var gitLog = logging.ForComponent(logging.CompGit)

// Repository answers branch/worktree questions for repositories on disk.
// It keeps no state between calls besides the executor.
type Repository struct {
	exec Executor
}

// NewRepository returns a Repository backed by exec, or by the git CLI when
// exec is nil.
func NewRepository(exec Executor) *Repository {
	if exec == nil {
		exec = CLIExecutor{}
	}
	return &Repository{exec: exec}
}

func (r *Repository) run(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := r.exec.Run(ctx, dir, args...)
	if err != nil {
		gitLog.Debug("git_failed",
			slog.String("dir", dir),
			slog.String("args", strings.Join(args, " ")),
			slog.String("error", err.Error()))
	}
	return out, err
}

// IsGitRepo reports whether dir is inside a git work tree.
func (r *Repository) IsGitRepo(ctx context.Context, dir string) bool {
	out, err := r.run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// GetRepoRoot returns the top-level directory of the work tree containing dir.
func (r *Repository) GetRepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := r.run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", errors.Join(ErrNotGitRepo, err)
	}
	return filepath.Clean(strings.TrimSpace(out)), nil
}

// GetMainRepoRoot resolves through linked worktrees to the primary checkout,
// so sessions created from inside a session land next to their siblings
// instead of nesting.
func (r *Repository) GetMainRepoRoot(ctx context.Context, dir string) (string, error) {
	root, err := r.GetRepoRoot(ctx, dir)
	if err != nil {
		return "", err
	}
	common, err := r.run(ctx, root, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return root, nil
	}
	common = filepath.Clean(strings.TrimSpace(common))
	if filepath.Base(common) == ".git" {
		return filepath.Dir(common), nil
	}
	return root, nil
}

// GetCurrentBranch returns the checked-out branch, or "HEAD" when detached.
func (r *Repository) GetCurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := r.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// GetDefaultBranch guesses the repository's mainline: origin/HEAD when set,
// then main, then master.
func (r *Repository) GetDefaultBranch(ctx context.Context, repoRoot string) (string, error) {
	if out, err := r.run(ctx, repoRoot, "symbolic-ref", "--quiet", "refs/remotes/origin/HEAD"); err == nil {
		ref := strings.TrimSpace(out)
		if branch := strings.TrimPrefix(ref, "refs/remotes/origin/"); branch != ref && branch != "" {
			return branch, nil
		}
	}
	for _, candidate := range []string{"main", "master"} {
		ok, err := r.BranchExists(ctx, repoRoot, candidate)
		if err != nil {
			return "", err
		}
		if ok {
			return candidate, nil
		}
	}
	return "", errors.New("could not determine default branch (no origin/HEAD, main or master)")
}

// BranchExists reports whether refs/heads/name exists. Names git would
// misread (leading '-', "..", odd characters) are reported as missing
// without running git.
func (r *Repository) BranchExists(ctx context.Context, repoRoot, name string) (bool, error) {
	if !isSafeRef(name) {
		return false, nil
	}
	_, err := r.run(ctx, repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// refExists reports whether ref resolves to a commit (local branch,
// remote-tracking branch, tag or sha).
func (r *Repository) refExists(ctx context.Context, repoRoot, ref string) (bool, error) {
	if !isSafeRef(ref) {
		return false, nil
	}
	_, err := r.run(ctx, repoRoot, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// PruneWorktrees drops administrative entries for worktrees whose
// directories are gone.
func (r *Repository) PruneWorktrees(ctx context.Context, repoRoot string) error {
	_, err := r.run(ctx, repoRoot, "worktree", "prune")
	return err
}
