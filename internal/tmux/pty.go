//go:build !windows

package tmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/asheshgoplani/lanes/internal/logging"
	"github.com/asheshgoplani/lanes/internal/terminal"
)

const (
	// detachKey is Ctrl+Q.
	detachKey = 17
	// controlSeqTimeout drops the terminal's replies to capability queries
	// that arrive right after raw mode is entered.
	controlSeqTimeout = 50 * time.Millisecond
	// scrollbackSize is how much PTYHost output is replayed on Focus.
	scrollbackSize = 256 * 1024
)

// ErrNotInteractive is returned by Focus when stdin is not a terminal.
var ErrNotInteractive = errors.New("focus requires an interactive terminal")

// attach runs `tmux attach-session` inside a pty and bridges it to this
// process's terminal until Ctrl+Q, a tmux detach, or ctx ends.
func attach(ctx context.Context, tmuxName string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", "attach-session", "-t", tmuxName)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start pty: %w", err)
	}
	defer ptmx.Close()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	err = bridge(ctx, ptmx, true, exited)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && (exitErr.ExitCode() == 0 || exitErr.ExitCode() == 1) {
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// bridge puts stdin in raw mode and forwards keystrokes to ptmx. When
// copyOut is set, ptmx output is copied to stdout as well; otherwise the
// caller already drains it. bridge returns nil on Ctrl+Q and the process
// error when exited fires.
func bridge(ctx context.Context, ptmx *os.File, copyOut bool, exited <-chan error) error {
	stdin := int(os.Stdin.Fd())
	if !term.IsTerminal(stdin) {
		return ErrNotInteractive
	}
	oldState, err := term.MakeRaw(stdin)
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	defer func() { _ = term.Restore(stdin, oldState) }()

	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	sigwinchDone := make(chan struct{})
	defer func() {
		signal.Stop(sigwinch)
		close(sigwinchDone)
	}()
	go func() {
		for {
			select {
			case <-sigwinchDone:
				return
			case <-sigwinch:
				if ws, err := pty.GetsizeFull(os.Stdin); err == nil {
					_ = pty.Setsize(ptmx, ws)
				}
			}
		}
	}()
	sigwinch <- syscall.SIGWINCH

	in, restore, err := cancelableReader(stdin)
	if err != nil {
		return fmt.Errorf("failed to open stdin: %w", err)
	}
	// Closing in ends the keystroke reader, so the next key typed after
	// bridge returns goes to whoever reads stdin next.
	var readerDone sync.WaitGroup
	defer func() {
		_ = in.Close()
		readerDone.Wait()
		restore()
	}()

	detach := make(chan struct{})
	ioErrors := make(chan error, 2)
	start := time.Now()

	if copyOut {
		go func() {
			if _, err := io.Copy(os.Stdout, ptmx); err != nil && !errors.Is(err, io.EOF) {
				select {
				case ioErrors <- fmt.Errorf("pty read error: %w", err):
				default:
				}
			}
		}()
	}

	readerDone.Add(1)
	go func() {
		defer readerDone.Done()
		buf := make([]byte, 32)
		for {
			n, err := in.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					select {
					case ioErrors <- fmt.Errorf("stdin read error: %w", err):
					default:
					}
				}
				return
			}
			if time.Since(start) < controlSeqTimeout {
				continue
			}
			if n == 1 && buf[0] == detachKey {
				close(detach)
				return
			}
			if _, err := ptmx.Write(buf[:n]); err != nil {
				select {
				case ioErrors <- fmt.Errorf("pty write error: %w", err):
				default:
				}
				return
			}
		}
	}()

	select {
	case <-detach:
		return nil
	case err := <-exited:
		return err
	case err := <-ioErrors:
		return err
	case <-ctx.Done():
		return nil
	}
}

// cancelableReader returns a pollable duplicate of fd whose pending reads
// return os.ErrClosed once it is closed. The descriptor is non-blocking
// until restore is called, and restore must run after the duplicate is
// closed.
func cancelableReader(fd int) (*os.File, func(), error) {
	dup, err := syscall.Dup(fd)
	if err != nil {
		return nil, nil, err
	}
	if err := syscall.SetNonblock(dup, true); err != nil {
		_ = syscall.Close(dup)
		return nil, nil, err
	}
	restore := func() {
		if err := syscall.SetNonblock(fd, false); err != nil {
			terminalLog.Debug("stdin_blocking_restore_failed", slog.String("error", err.Error()))
		}
	}
	return os.NewFile(uintptr(dup), "stdin"), restore, nil
}

// PTYHost runs each agent terminal as a login shell in a pseudo-terminal
// owned by this process. It serves machines without tmux; terminals do not
// outlive the lanes process.
type PTYHost struct {
	shell string

	mu    sync.Mutex
	terms map[string]*PTYTerminal
}

// NewPTYHost returns a host spawning $SHELL, or /bin/sh when unset.
func NewPTYHost() *PTYHost {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return &PTYHost{shell: shell, terms: make(map[string]*PTYTerminal)}
}

// Spawn starts a shell in cfg.WorkDir with cfg.Env added.
func (h *PTYHost) Spawn(_ context.Context, cfg terminal.Config) (terminal.Terminal, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.terms[cfg.Name]; ok {
		return nil, fmt.Errorf("terminal %s already exists", cfg.Name)
	}

	// Not CommandContext: the terminal lives past the spawning request.
	cmd := exec.Command(h.shell)
	cmd.Dir = cfg.WorkDir
	cmd.Env = append(os.Environ(), cfg.Env...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	t := &PTYTerminal{
		host:   h,
		name:   cfg.Name,
		cmd:    cmd,
		ptmx:   ptmx,
		scroll: logging.NewRingBuffer(scrollbackSize),
		done:   make(chan struct{}),
	}
	h.terms[cfg.Name] = t
	go t.drain()

	terminalLog.Info("pty_terminal_spawned", slog.String("name", cfg.Name), slog.String("dir", cfg.WorkDir))
	return t, nil
}

// Lookup returns a terminal that is still running.
func (h *PTYHost) Lookup(name string) (terminal.Terminal, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.terms[name]
	if !ok {
		return nil, false
	}
	return t, true
}

func (h *PTYHost) forget(t *PTYTerminal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terms[t.name] == t {
		delete(h.terms, t.name)
	}
}

// PTYTerminal is a shell running under PTYHost.
type PTYTerminal struct {
	host   *PTYHost
	name   string
	cmd    *exec.Cmd
	ptmx   *os.File
	scroll *logging.RingBuffer

	focused  atomic.Bool
	done     chan struct{}
	exitErr  error
	disposed sync.Once
}

// drain keeps reading the pty so the shell never blocks on output.
func (t *PTYTerminal) drain() {
	buf := make([]byte, 4096)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			_, _ = t.scroll.Write(buf[:n])
			if t.focused.Load() {
				_, _ = os.Stdout.Write(buf[:n])
			}
		}
		if err != nil {
			break
		}
	}
	t.exitErr = t.cmd.Wait()
	close(t.done)
	t.host.forget(t)
	terminalLog.Debug("pty_terminal_exited", slog.String("name", t.name))
}

// Name returns the terminal name.
func (t *PTYTerminal) Name() string { return t.name }

// Output returns the retained scrollback.
func (t *PTYTerminal) Output() []byte { return t.scroll.Bytes() }

// Done is closed once the shell has exited.
func (t *PTYTerminal) Done() <-chan struct{} { return t.done }

// SendText writes text to the shell followed by a carriage return.
func (t *PTYTerminal) SendText(text string) error {
	select {
	case <-t.done:
		return terminal.ErrNotFound
	default:
	}
	if _, err := t.ptmx.Write([]byte(text)); err != nil {
		return err
	}
	time.Sleep(enterDelay)
	_, err := t.ptmx.Write([]byte{'\r'})
	return err
}

// Focus replays the scrollback and bridges this terminal to the shell
// until Ctrl+Q or the shell exits.
func (t *PTYTerminal) Focus(ctx context.Context) error {
	select {
	case <-t.done:
		return terminal.ErrNotFound
	default:
	}
	_, _ = os.Stdout.Write(t.scroll.Bytes())

	exited := make(chan error, 1)
	go func() {
		select {
		case <-t.done:
			exited <- t.exitErr
		case <-ctx.Done():
		}
	}()

	t.focused.Store(true)
	defer t.focused.Store(false)
	return bridge(ctx, t.ptmx, false, exited)
}

// Dispose kills the shell.
func (t *PTYTerminal) Dispose() error {
	var err error
	t.disposed.Do(func() {
		select {
		case <-t.done:
			return
		default:
		}
		if t.cmd.Process != nil {
			if kerr := t.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = kerr
			}
		}
		_ = t.ptmx.Close()
		t.host.forget(t)
	})
	return err
}
