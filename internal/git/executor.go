package git

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Executor runs git. Implementations return trimmed stdout, and a *GitError
// when git exits non-zero.
type Executor interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// CLIExecutor shells out to the git binary on PATH.
type CLIExecutor struct {
	// Binary overrides the git executable; empty means "git".
	Binary string
	// Env is appended to the inherited environment.
	Env []string
}

// Run executes git with args inside dir.
func (c CLIExecutor) Run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := c.Binary
	if bin == "" {
		bin = "git"
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return strings.TrimSpace(stdout.String()), &GitError{
			Args:     args,
			Dir:      dir,
			ExitCode: code,
			Stderr:   stderr.String(),
			Err:      err,
		}
	}
	return strings.TrimRight(stdout.String(), "\r\n"), nil
}

// exitCode extracts the exit status from a GitError, or -1.
func exitCode(err error) int {
	var gitErr *GitError
	if errors.As(err, &gitErr) {
		return gitErr.ExitCode
	}
	return -1
}
