package git

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// BackupMarker separates a worktree path from the timestamp of its repair
// backup: <path>.lanes-backup-<unix nanos>.
const BackupMarker = ".lanes-backup-"

// BrokenWorktree is a worktree directory whose .git file points at a git
// metadata directory that no longer exists, typically after the repository
// was moved or a container was rebuilt.
type BrokenWorktree struct {
	Path           string
	SessionName    string
	ExpectedBranch string
}

// DetectBrokenWorktrees scans the immediate children of
// <repoRoot>/<worktreesFolder>. A missing folder yields no results.
func DetectBrokenWorktrees(repoRoot, worktreesFolder string) ([]BrokenWorktree, error) {
	dir := filepath.Join(repoRoot, worktreesFolder)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read worktrees folder: %w", err)
	}

	var broken []BrokenWorktree
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.Contains(name, BackupMarker) {
			continue
		}
		if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
			continue
		}

		path := filepath.Join(dir, name)
		if IsBrokenWorktree(path) {
			broken = append(broken, BrokenWorktree{Path: path, SessionName: name, ExpectedBranch: name})
		}
	}
	return broken, nil
}

// IsBrokenWorktree reports whether path holds a .git pointer file whose
// gitdir no longer exists.
func IsBrokenWorktree(path string) bool {
	target, ok := readGitdirPointer(filepath.Join(path, ".git"))
	if !ok {
		return false
	}
	_, err := os.Stat(target)
	return errors.Is(err, fs.ErrNotExist)
}

// readGitdirPointer returns the absolute gitdir a worktree's .git file points
// at. ok is false when .git is missing, a directory, or not a pointer file.
func readGitdirPointer(dotGit string) (string, bool) {
	info, err := os.Lstat(dotGit)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	f, err := os.Open(dotGit)
	if err != nil {
		return "", false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, found := strings.CutPrefix(line, "gitdir:"); found {
			target := strings.TrimSpace(rest)
			if target == "" {
				return "", false
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(dotGit), target)
			}
			return filepath.Clean(target), true
		}
	}
	return "", false
}

// RepairResult reports the outcome of one RepairWorktree call.
type RepairResult struct {
	Worktree   BrokenWorktree
	Success    bool
	BackupPath string // non-empty only when the backup could not be removed or restored
	Err        error
}

// RepairWorktree recreates a broken worktree in place. The directory is
// moved aside, git re-registers a fresh worktree on the expected branch, and
// every file except .git is copied back over the fresh checkout so that
// uncommitted work survives. Backup files always win over the checkout.
func (r *Repository) RepairWorktree(ctx context.Context, repoRoot string, bw BrokenWorktree) RepairResult {
	res := RepairResult{Worktree: bw}
	log := gitLog.With(slog.String("path", bw.Path), slog.String("branch", bw.ExpectedBranch))

	exists, err := r.BranchExists(ctx, repoRoot, bw.ExpectedBranch)
	if err != nil {
		res.Err = &RepairError{Path: bw.Path, Err: err}
		return res
	}
	if !exists {
		res.Err = &RepairError{Path: bw.Path, Err: fmt.Errorf("%w: %s", ErrBranchNotFound, bw.ExpectedBranch)}
		return res
	}

	backup := bw.Path + BackupMarker + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.Rename(bw.Path, backup); err != nil {
		res.Err = &RepairError{Path: bw.Path, Err: fmt.Errorf("failed to move worktree aside: %w", err)}
		return res
	}
	log.Info("repair_backup_created", slog.String("backup", backup))

	// The stale registration still claims the branch; drop it first.
	if err := r.PruneWorktrees(ctx, repoRoot); err != nil {
		log.Warn("repair_prune_failed", slog.String("error", err.Error()))
	}

	createErr := r.CreateWorktree(ctx, repoRoot, CreateWorktreeOptions{
		Path:          bw.Path,
		Branch:        bw.ExpectedBranch,
		ReuseExisting: true,
	})
	if createErr != nil {
		_ = os.RemoveAll(bw.Path)
		if err := os.Rename(backup, bw.Path); err != nil {
			log.Error("repair_restore_failed", slog.String("backup", backup), slog.String("error", err.Error()))
			res.BackupPath = backup
			res.Err = &RepairError{Path: bw.Path, BackupPath: backup, Err: errors.Join(createErr, err)}
			return res
		}
		res.Err = &RepairError{Path: bw.Path, Err: createErr}
		return res
	}

	if err := copyTree(backup, bw.Path); err != nil {
		res.BackupPath = backup
		res.Err = &RepairError{Path: bw.Path, BackupPath: backup, Err: fmt.Errorf("failed to restore files: %w", err)}
		return res
	}

	if err := os.RemoveAll(backup); err != nil {
		log.Warn("repair_backup_kept", slog.String("backup", backup), slog.String("error", err.Error()))
		res.BackupPath = backup
	}

	log.Info("worktree_repaired")
	res.Success = true
	return res
}

// copyTree copies src over dst, skipping the top-level .git entry. Existing
// files in dst are overwritten, symlinks are recreated and permission bits
// are kept.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == ".git" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		info, err := os.Lstat(path)
		if err != nil {
			return err
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			if err := os.MkdirAll(target, mode.Perm()); err != nil {
				return err
			}
			return os.Chmod(target, mode.Perm())
		case mode&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			return os.Symlink(link, target)
		case mode.IsRegular():
			return copyFile(path, target, mode.Perm())
		default:
			// sockets, fifos and devices are not worktree content
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	if info, err := os.Lstat(dst); err == nil && !info.Mode().IsRegular() {
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}
