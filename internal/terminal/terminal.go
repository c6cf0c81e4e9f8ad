// Package terminal defines the contract between lanes and whatever hosts
// agent terminals (tmux, a bare pty, or a fake in tests).
package terminal

import (
	"context"
	"errors"
)

// ErrNotFound is returned by hosts when a named terminal does not exist.
var ErrNotFound = errors.New("terminal not found")

// Config describes a terminal to spawn.
type Config struct {
	// Name identifies the terminal; Lookup(Name) finds it again later.
	Name string
	// WorkDir is the initial working directory.
	WorkDir string
	// Env is appended to the host environment as KEY=VALUE pairs.
	Env []string
}

// Terminal is a live terminal owned by a Host.
type Terminal interface {
	Name() string
	// SendText types text into the terminal followed by Enter.
	SendText(text string) error
	// Focus brings the terminal to the foreground.
	Focus(ctx context.Context) error
	// Dispose closes the terminal. Disposing twice is not an error.
	Dispose() error
}

// Host creates and finds terminals.
type Host interface {
	Spawn(ctx context.Context, cfg Config) (Terminal, error)
	Lookup(name string) (Terminal, bool)
}
