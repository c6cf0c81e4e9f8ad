package git

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Worktree is one entry of `git worktree list --porcelain`.
type Worktree struct {
	Path     string
	Head     string
	Branch   string // short name, empty when detached or bare
	Bare     bool
	Detached bool
	Locked   bool
	Prunable bool
}

// ListWorktrees returns every worktree registered with the repository,
// the main checkout first.
func (r *Repository) ListWorktrees(ctx context.Context, repoRoot string) ([]Worktree, error) {
	out, err := r.run(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(output string) []Worktree {
	var (
		list []Worktree
		cur  *Worktree
	)
	flush := func() {
		if cur != nil {
			list = append(list, *cur)
			cur = nil
		}
	}

	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "":
			flush()
		case "worktree":
			flush()
			cur = &Worktree{Path: value}
		case "HEAD":
			if cur != nil {
				cur.Head = value
			}
		case "branch":
			if cur != nil {
				cur.Branch = strings.TrimPrefix(value, "refs/heads/")
			}
		case "bare":
			if cur != nil {
				cur.Bare = true
			}
		case "detached":
			if cur != nil {
				cur.Detached = true
			}
		case "locked":
			if cur != nil {
				cur.Locked = true
			}
		case "prunable":
			if cur != nil {
				cur.Prunable = true
			}
		}
	}
	flush()
	return list
}

// ListBranchesInUseByWorktrees returns the set of branches currently checked
// out by any worktree, the main checkout included.
func (r *Repository) ListBranchesInUseByWorktrees(ctx context.Context, repoRoot string) (map[string]bool, error) {
	wts, err := r.ListWorktrees(ctx, repoRoot)
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]bool, len(wts))
	for _, wt := range wts {
		if wt.Branch != "" {
			inUse[wt.Branch] = true
		}
	}
	return inUse, nil
}

// CreateWorktreeOptions describes a worktree to add.
type CreateWorktreeOptions struct {
	Path   string
	Branch string
	// SourceBranch is the start point for a new branch; empty means HEAD.
	// Ignored when ReuseExisting is set.
	SourceBranch string
	// ReuseExisting checks out the already-existing Branch instead of
	// creating it.
	ReuseExisting bool
}

// CreateWorktree adds a worktree at opts.Path, creating its parent directory
// first.
func (r *Repository) CreateWorktree(ctx context.Context, repoRoot string, opts CreateWorktreeOptions) error {
	if !isSafeRef(opts.Branch) {
		return &ValidationError{Field: "branch", Value: opts.Branch, Reason: "not a usable branch name", Err: ErrInvalidBranchName}
	}

	args := []string{"worktree", "add"}
	switch {
	case opts.ReuseExisting:
		args = append(args, opts.Path, opts.Branch)
	case opts.SourceBranch != "":
		ok, err := r.refExists(ctx, repoRoot, opts.SourceBranch)
		if err != nil {
			return fmt.Errorf("failed to check source branch %q: %w", opts.SourceBranch, err)
		}
		if !ok {
			return &ValidationError{Field: "source branch", Value: opts.SourceBranch, Reason: "does not exist", Err: ErrBranchNotFound}
		}
		args = append(args, "-b", opts.Branch, opts.Path, opts.SourceBranch)
	default:
		args = append(args, "-b", opts.Branch, opts.Path)
	}

	undo, err := mkdirParents(filepath.Dir(opts.Path))
	if err != nil {
		return fmt.Errorf("failed to create worktree parent directory: %w", err)
	}

	if _, err := r.run(ctx, repoRoot, args...); err != nil {
		undo()
		return fmt.Errorf("failed to create worktree: %w", err)
	}

	gitLog.Info("worktree_created",
		slog.String("path", opts.Path),
		slog.String("branch", opts.Branch),
		slog.String("source", opts.SourceBranch),
		slog.Bool("reused", opts.ReuseExisting))
	return nil
}

// mkdirParents creates dir and returns a func that removes the directories
// this call created, deepest first, stopping at the first one that is no
// longer empty.
func mkdirParents(dir string) (func(), error) {
	var created []string
	for d := filepath.Clean(dir); ; d = filepath.Dir(d) {
		if _, err := os.Lstat(d); err == nil {
			break
		}
		created = append(created, d)
		if filepath.Dir(d) == d {
			break
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return func() {
		for _, d := range created {
			if err := os.Remove(d); err != nil {
				return
			}
		}
	}, nil
}

// RemoveWorktree force-removes the worktree at path, discarding uncommitted
// changes. A path that no longer exists is pruned instead. git refuses to
// remove a worktree whose .git pointer dangles, so such a directory is
// deleted directly and then pruned.
func (r *Repository) RemoveWorktree(ctx context.Context, repoRoot, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		gitLog.Info("worktree_already_gone", slog.String("path", path))
		return r.PruneWorktrees(ctx, repoRoot)
	}
	if IsBrokenWorktree(path) {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove broken worktree: %w", err)
		}
		gitLog.Info("broken_worktree_removed", slog.String("path", path))
		return r.PruneWorktrees(ctx, repoRoot)
	}
	if _, err := r.run(ctx, repoRoot, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("failed to remove worktree: %w", err)
	}
	gitLog.Info("worktree_removed", slog.String("path", path))
	return nil
}
