package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/lanes/internal/git"
	"github.com/asheshgoplani/lanes/internal/session"
)

// normalizeArgs reorders args so flags come before positional arguments.
// Go's flag package stops parsing at the first non-flag argument, which means
// "lanes open my-feature --prompt hi" would silently ignore --prompt.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// CLIOutput handles consistent output formatting across all CLI commands
type CLIOutput struct {
	jsonMode  bool
	quietMode bool
}

// NewCLIOutput creates a new CLI output handler
func NewCLIOutput(jsonMode, quietMode bool) *CLIOutput {
	return &CLIOutput{jsonMode: jsonMode, quietMode: quietMode}
}

// Success prints a success message or JSON response
func (c *CLIOutput) Success(message string, data any) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(data)
		return
	}
	fmt.Printf("%s %s\n", successStyle.Render(successSymbol), message)
}

// Warn prints a non-fatal problem to stderr. JSON mode leaves it to the
// structured result.
func (c *CLIOutput) Warn(message string) {
	if c.jsonMode {
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", warnStyle.Render(warnSymbol), message)
}

// Error prints an error message or JSON error response
func (c *CLIOutput) Error(message string, code string) {
	if c.jsonMode {
		c.printJSON(map[string]any{
			"success": false,
			"error":   message,
			"code":    code,
		})
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("Error:"), message)
}

// Print prints data (human-readable or JSON)
func (c *CLIOutput) Print(humanOutput string, jsonData any) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(jsonData)
		return
	}
	fmt.Print(humanOutput)
}

func (c *CLIOutput) printJSON(data any) {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to format JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}

// Symbols for human-readable output
const (
	successSymbol = "✓"
	warnSymbol    = "!"
	bulletSymbol  = "•"
)

// Error codes
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAmbiguous        = "AMBIGUOUS"
	ErrCodeInvalid          = "INVALID"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
	ErrCodeGit              = "GIT_ERROR"
	ErrCodeFilesystem       = "FILESYSTEM_ERROR"
)

// errorCode classifies err for JSON output.
func errorCode(err error) string {
	var (
		ve *session.ValidationError
		ge *git.GitError
		fe *session.FilesystemError
	)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return ErrCodeNotFound
	case errors.As(err, &ve):
		return ErrCodeInvalid
	case errors.As(err, &ge):
		return ErrCodeGit
	case errors.As(err, &fe):
		return ErrCodeFilesystem
	default:
		return ErrCodeInvalidOperation
	}
}

// fail prints err and exits 1.
func fail(out *CLIOutput, err error) {
	out.Error(err.Error(), errorCode(err))
	os.Exit(1)
}

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
)

// stateStyle colors a session state the way the list view shows it.
func stateStyle(state session.StatusState) lipgloss.Style {
	switch state {
	case session.StatusWorking:
		return successStyle
	case session.StatusWaitingForUser:
		return warnStyle
	case session.StatusError:
		return errorStyle
	default:
		return dimStyle
	}
}

// stateSymbol is the glyph shown next to a state.
func stateSymbol(state session.StatusState) string {
	switch state {
	case session.StatusWorking:
		return "●"
	case session.StatusWaitingForUser:
		return "◐"
	case session.StatusError:
		return "✕"
	default:
		return "○"
	}
}

// truncate shortens s to max display columns with an ellipsis. Widths are
// measured in terminal cells so CJK and emoji names line up.
func truncate(s string, max int) string {
	if runewidth.StringWidth(s) <= max {
		return s
	}
	if max <= 3 {
		return runewidth.Truncate(s, max, "")
	}
	return runewidth.Truncate(s, max, "...")
}

// padRight pads s with spaces to width display columns.
func padRight(s string, width int) string {
	return runewidth.FillRight(s, width)
}

// sessionSource adapts a session slice to fuzzy.Source.
type sessionSource []*session.Session

func (s sessionSource) String(i int) string { return s[i].Name }
func (s sessionSource) Len() int            { return len(s) }

// ResolveSession picks a session by exact name, then by fuzzy match. A fuzzy
// query must produce a single best match.
// Returns the matched session or nil with an error message and code.
func ResolveSession(identifier string, sessions []*session.Session) (*session.Session, string, string) {
	if identifier == "" {
		return nil, "session name is required", ErrCodeNotFound
	}
	for _, s := range sessions {
		if s.Name == identifier {
			return s, "", ""
		}
	}

	matches := fuzzy.FindFrom(identifier, sessionSource(sessions))
	switch {
	case len(matches) == 0:
		return nil, fmt.Sprintf("session '%s' not found", identifier), ErrCodeNotFound
	case len(matches) == 1 || matches[0].Score > matches[1].Score:
		return sessions[matches[0].Index], "", ""
	}

	var names []string
	for _, m := range matches {
		if m.Score == matches[0].Score {
			names = append(names, sessions[m.Index].Name)
		}
	}
	return nil, fmt.Sprintf("'%s' matches multiple sessions:\n  - %s\nUse the full name.",
		identifier, strings.Join(names, "\n  - ")), ErrCodeAmbiguous
}

// shortenHome replaces the home directory prefix with "~".
func shortenHome(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home {
		return "~"
	}
	if strings.HasPrefix(path, home+string(os.PathSeparator)) {
		return "~" + path[len(home):]
	}
	return path
}
