package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/asheshgoplani/lanes/internal/session"
)

// linePrompter asks branch-conflict questions on a line-oriented terminal.
type linePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newLinePrompter(in io.Reader, out io.Writer) *linePrompter {
	return &linePrompter{in: bufio.NewReader(in), out: out}
}

// conflictPrompter returns the prompter create runs with: fixed answers for
// --reuse, an interactive one when stdin is a terminal, and nil otherwise so
// conflicts fail instead of hanging.
func conflictPrompter(reuse bool) session.Prompter {
	if reuse {
		return session.PrompterFunc(func(context.Context, string) (session.ConflictChoice, error) {
			return session.ConflictChoice{Action: session.ConflictUseExisting}, nil
		})
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	return newLinePrompter(os.Stdin, os.Stdout)
}

// ResolveConflict asks what to do with an existing branch. An empty answer
// or EOF cancels.
func (p *linePrompter) ResolveConflict(ctx context.Context, branch string) (session.ConflictChoice, error) {
	fmt.Fprintf(p.out, "Branch '%s' already exists.\n", branch)
	fmt.Fprint(p.out, "  [u]se existing branch, [n]ew name, [c]ancel: ")
	answer, err := p.readLine(ctx)
	if err != nil {
		return session.ConflictChoice{}, err
	}

	switch strings.ToLower(answer) {
	case "u", "use", "y", "yes":
		return session.ConflictChoice{Action: session.ConflictUseExisting}, nil
	case "n", "new":
		fmt.Fprint(p.out, "New session name: ")
		name, err := p.readLine(ctx)
		if err != nil {
			return session.ConflictChoice{}, err
		}
		if name == "" {
			return session.ConflictChoice{Action: session.ConflictCancel}, nil
		}
		return session.ConflictChoice{Action: session.ConflictNewName, Name: name}, nil
	default:
		return session.ConflictChoice{Action: session.ConflictCancel}, nil
	}
}

type lineResult struct {
	line string
	err  error
}

// readLine reads one trimmed line, giving up when ctx ends. EOF reads as an
// empty answer.
func (p *linePrompter) readLine(ctx context.Context) (string, error) {
	ch := make(chan lineResult, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		if err == io.EOF {
			err = nil
		}
		ch <- lineResult{line: strings.TrimSpace(line), err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}
