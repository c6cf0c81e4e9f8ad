package session

import (
	"context"

	"github.com/asheshgoplani/lanes/internal/terminal"
)

// TerminalHost spawns and finds agent terminals.
type TerminalHost = terminal.Host

// ProjectRegistry records worktrees as projects in the host application.
// Failures are never fatal to a session operation.
type ProjectRegistry interface {
	AddProject(ctx context.Context, name, path string, tags []string) error
	RemoveProject(ctx context.Context, path string) error
}

// ConflictAction is the user's answer to "this branch already exists".
type ConflictAction int

const (
	ConflictCancel ConflictAction = iota
	ConflictUseExisting
	ConflictNewName
)

func (a ConflictAction) String() string {
	switch a {
	case ConflictUseExisting:
		return "use_existing"
	case ConflictNewName:
		return "new_name"
	default:
		return "cancel"
	}
}

// ConflictChoice carries the action and, for ConflictNewName, the new name.
type ConflictChoice struct {
	Action ConflictAction
	Name   string
}

// Prompter asks the user how to handle an existing, unattached branch.
// Returning a context error counts as cancel.
type Prompter interface {
	ResolveConflict(ctx context.Context, branch string) (ConflictChoice, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, branch string) (ConflictChoice, error)

func (f PrompterFunc) ResolveConflict(ctx context.Context, branch string) (ConflictChoice, error) {
	return f(ctx, branch)
}

// Notifier is told when the set of sessions changed.
type Notifier interface {
	Refresh()
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func()

func (f NotifierFunc) Refresh() { f() }
