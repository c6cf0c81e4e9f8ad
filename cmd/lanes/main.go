package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/lanes/internal/config"
	"github.com/asheshgoplani/lanes/internal/logging"
)

const Version = "0.3.0"

func init() {
	initColorProfile()
}

// initColorProfile configures the lipgloss color profile. LANES_COLOR
// overrides detection; NO_COLOR and non-terminal output disable colors.
func initColorProfile() {
	switch strings.ToLower(os.Getenv("LANES_COLOR")) {
	case "truecolor", "true", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	case "256", "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
		return
	case "16", "ansi", "basic":
		lipgloss.SetColorProfile(termenv.ANSI)
		return
	case "none", "off", "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

func main() {
	repoDir, args := extractRepoFlag(os.Args[1:])

	if len(args) == 0 {
		printHelp()
		return
	}

	// Hooks run inside agents many times a minute; keep them free of
	// config parsing and logger setup beyond the defaults.
	if args[0] == "hook" {
		initLogging()
		defer logging.Shutdown()
		handleHook(args[1:])
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("lanes v%s\n", Version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	}

	initLogging()
	defer logging.Shutdown()
	defer dumpOnPanic()

	cliLog.Debug("command_started", slog.String("command", args[0]), slog.Int("pid", os.Getpid()))

	switch args[0] {
	case "create", "new":
		handleCreate(repoDir, args[1:])
	case "open":
		handleOpen(repoDir, args[1:])
	case "delete", "rm":
		handleDelete(repoDir, args[1:])
	case "list", "ls":
		handleList(repoDir, args[1:])
	case "status":
		handleStatus(repoDir, args[1:])
	case "repair":
		handleRepair(repoDir, args[1:])
	case "hooks":
		handleHooks(repoDir, args[1:])
	case "watch":
		handleWatch(repoDir, args[1:])
	case "projects":
		handleProjects(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

// initLogging sets up debug.log from the user config. LANES_DEBUG forces
// the debug level.
func initLogging() {
	user, _ := config.LoadUserConfig()
	logging.Init(user.LogConfig(config.DebugEnabled()))
}

// dumpOnPanic writes the log ring buffer next to debug.log before letting
// a panic continue.
func dumpOnPanic() {
	r := recover()
	if r == nil {
		return
	}
	logging.Logger().Error("panic", slog.Any("value", r), slog.String("stack", string(debug.Stack())))
	if dir, err := config.GetLanesDir(); err == nil {
		path := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
		if err := logging.DumpRingBuffer(path); err == nil {
			fmt.Fprintf(os.Stderr, "lanes crashed; recent log written to %s\n", path)
		}
	}
	logging.Shutdown()
	panic(r)
}

// extractRepoFlag removes --repo/-C from args, returning its value and the
// remaining args.
func extractRepoFlag(args []string) (string, []string) {
	var repo string
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "--repo=") {
			repo = strings.TrimPrefix(arg, "--repo=")
			continue
		}
		if strings.HasPrefix(arg, "-C=") {
			repo = strings.TrimPrefix(arg, "-C=")
			continue
		}
		if (arg == "--repo" || arg == "-C") && i+1 < len(args) {
			repo = args[i+1]
			i++
			continue
		}
		// Flags after the hook subcommand belong to the hook.
		if arg == "hook" {
			remaining = append(remaining, args[i:]...)
			break
		}

		remaining = append(remaining, arg)
	}
	return repo, remaining
}

// notifyContext returns a context cancelled on SIGINT or SIGTERM.
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printHelp() {
	fmt.Printf("lanes v%s\n", Version)
	fmt.Println("Parallel AI coding agents, one git worktree each")
	fmt.Println()
	fmt.Println("Usage: lanes [--repo DIR] <command>")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  -C, --repo <dir>   Repository to act on (default: current directory)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  create <name>      Create a session: branch, worktree, hooks, agent")
	fmt.Println("  open <session>     Open or resume a session's agent terminal")
	fmt.Println("  delete, rm         Remove a session worktree (the branch is kept)")
	fmt.Println("  list, ls           List sessions of the repository")
	fmt.Println("  status [session]   Show session state")
	fmt.Println("  repair             Recreate worktrees with missing git metadata")
	fmt.Println("  hooks sync         Rewrite agent hook settings in every session")
	fmt.Println("  watch              Print session state changes as they happen")
	fmt.Println("  projects           List sessions of all repositories")
	fmt.Println("  version            Show version")
	fmt.Println("  help               Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  lanes create fix-login -p \"Fix the login redirect\"")
	fmt.Println("  lanes create feat/search --from main --agent codex")
	fmt.Println("  lanes open fix-login")
	fmt.Println("  lanes list --json")
	fmt.Println("  lanes repair --dry-run")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  LANES_HOME      Config, registry and log directory (default ~/.lanes)")
	fmt.Println("  LANES_DEBUG     Log at debug level")
	fmt.Println("  LANES_COLOR     Color mode: truecolor, 256, 16, none")
	fmt.Println()
	fmt.Println("In a terminal opened by lanes, Ctrl+Q detaches.")
}
