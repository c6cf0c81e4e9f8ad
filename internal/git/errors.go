package git

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotGitRepo is returned when a directory is not inside a git work tree.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrInvalidBranchName is wrapped by ValidationError when a name cannot be
	// used as a branch or worktree directory.
	ErrInvalidBranchName = errors.New("invalid branch name")

	// ErrBranchNotFound is returned when a ref that must exist does not.
	ErrBranchNotFound = errors.New("branch not found")
)

// GitError describes a git invocation that exited unsuccessfully.
type GitError struct {
	Args     []string
	Dir      string
	ExitCode int
	Stderr   string
	Err      error
}

// Command returns the invocation as it would be typed in a shell.
func (e *GitError) Command() string {
	return "git " + strings.Join(e.Args, " ")
}

func (e *GitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s (exit %d): %s", e.Command(), e.ExitCode, msg)
}

func (e *GitError) Unwrap() error { return e.Err }

// ValidationError reports input rejected before any side effect happened.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// RepairError is returned when a broken worktree could not be recreated.
// BackupPath is set whenever the original files are still sitting in the
// backup directory and need manual attention.
type RepairError struct {
	Path       string
	BackupPath string
	Err        error
}

func (e *RepairError) Error() string {
	if e.BackupPath != "" {
		return fmt.Sprintf("repair %s: %v (original files preserved at %s)", e.Path, e.Err, e.BackupPath)
	}
	return fmt.Sprintf("repair %s: %v", e.Path, e.Err)
}

func (e *RepairError) Unwrap() error { return e.Err }
