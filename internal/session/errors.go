package session

import (
	"errors"
	"fmt"

	"github.com/asheshgoplani/lanes/internal/git"
)

// ValidationError is shared with the git package so callers can match a
// single type whichever layer rejected the input.
type ValidationError = git.ValidationError

var (
	// ErrBranchInUse means the branch is already checked out by a worktree
	// and cannot back a second session.
	ErrBranchInUse = errors.New("branch is already checked out in another worktree")

	// ErrNoPrompter is returned when a branch conflict needs a decision but
	// nothing can ask the user.
	ErrNoPrompter = errors.New("branch already exists and no prompt is available")

	// ErrUnknownAgent is returned for agent names with no registered backend.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrSessionNotFound is returned when no worktree directory backs a name.
	ErrSessionNotFound = errors.New("session not found")
)

// FilesystemError wraps a failed file operation on lanes-owned paths.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }
