//go:build windows

package tmux

import (
	"context"
	"errors"

	"github.com/asheshgoplani/lanes/internal/terminal"
)

// ErrNotInteractive is returned by Focus when stdin is not a terminal.
var ErrNotInteractive = errors.New("focus requires an interactive terminal")

var errNoPTY = errors.New("pseudo-terminals are not supported on windows")

func attach(context.Context, string) error { return errNoPTY }

// PTYHost is unavailable on windows.
type PTYHost struct{}

// NewPTYHost returns a host whose Spawn always fails.
func NewPTYHost() *PTYHost { return &PTYHost{} }

// Spawn always fails on windows.
func (h *PTYHost) Spawn(context.Context, terminal.Config) (terminal.Terminal, error) {
	return nil, errNoPTY
}

// Lookup never finds anything on windows.
func (h *PTYHost) Lookup(string) (terminal.Terminal, bool) { return nil, false }
