package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/asheshgoplani/lanes/internal/session"
)

// Hook commands are run by agents, not people. They never fail loudly: a
// non-zero exit or output on stderr would show up inside the agent's UI, so
// problems go to the debug log and the exit code is always 0.

// hookPayload is the part of a Claude Code hook payload lanes reads from
// stdin. Unknown fields are ignored.
type hookPayload struct {
	HookEventName string `json:"hook_event_name"`
	SessionID     string `json:"session_id"`
}

// codexNotifyPayload is the JSON event Codex passes to its notify program.
type codexNotifyPayload struct {
	Type         string `json:"type"`
	Event        string `json:"event"`
	SessionID    string `json:"session_id"`
	ThreadID     string `json:"thread_id"`
	ThreadIDDash string `json:"thread-id"`
}

// maxHookInput bounds what is read from stdin.
const maxHookInput = 1 << 20

func handleHook(args []string) {
	if len(args) == 0 {
		return
	}
	var err error
	switch args[0] {
	case "status":
		err = runHookStatus(args[1:])
	case "session":
		err = runHookSession(args[1:], os.Stdin)
	case "codex-notify":
		err = runCodexNotify(args[1:], os.Stdin)
	default:
		err = fmt.Errorf("unknown hook %q", args[0])
	}
	if err != nil {
		cliLog.Warn("hook_failed", slog.String("hook", args[0]), slog.String("error", err.Error()))
	}
}

func newHookFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("hook "+name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// runHookStatus writes a status marker.
func runHookStatus(args []string) error {
	fs := newHookFlagSet("status")
	file := fs.String("file", "", "status marker path")
	state := fs.String("state", "", "state to record")
	message := fs.String("message", "", "optional message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("--file is required")
	}
	st := session.StatusState(*state)
	if !slices.Contains([]session.StatusState{
		session.StatusWorking, session.StatusWaitingForUser, session.StatusIdle, session.StatusError,
	}, st) {
		return fmt.Errorf("invalid state %q", *state)
	}
	return session.WriteStatus(*file, session.AgentStatus{State: st, Message: *message})
}

// runHookSession records the agent session id found in the hook payload.
// Other fields already in the marker are kept.
func runHookSession(args []string, stdin io.Reader) error {
	fs := newHookFlagSet("session")
	agentName := fs.String("agent", session.DefaultAgentName, "agent backend")
	file := fs.String("file", "", "session marker path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("--file is required")
	}
	agent, ok := session.GetAgent(*agentName)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrUnknownAgent, *agentName)
	}

	data, err := io.ReadAll(io.LimitReader(stdin, maxHookInput))
	if err != nil {
		return err
	}
	var payload hookPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode hook payload: %w", err)
	}
	if payload.SessionID == "" {
		return nil
	}
	return writeSessionID(agent, *file, payload.SessionID)
}

func writeSessionID(agent session.AgentBackend, path, id string) error {
	sd := session.SessionData{SessionID: id, AgentName: agent.Name()}
	if prev := session.ReadSessionData(agent, path); prev != nil {
		if prev.SessionID == id {
			return nil
		}
		sd.Workflow = prev.Workflow
		sd.IsChimeEnabled = prev.IsChimeEnabled
		sd.TaskListID = prev.TaskListID
	}
	return session.WriteSessionData(path, sd)
}

// runCodexNotify handles Codex's notify program call. Codex appends the JSON
// event as the last argument; stdin is read when it does not.
func runCodexNotify(args []string, stdin io.Reader) error {
	fs := newHookFlagSet("codex-notify")
	statusFile := fs.String("status-file", "", "status marker path")
	sessionFile := fs.String("session-file", "", "session marker path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var data []byte
	if fs.NArg() > 0 {
		data = []byte(fs.Arg(fs.NArg() - 1))
	} else {
		var err error
		if data, err = io.ReadAll(io.LimitReader(stdin, maxHookInput)); err != nil {
			return err
		}
	}
	event, sessionID := parseCodexNotifyPayload(data)

	var errs []error
	if state := mapCodexEvent(event); state != "" && *statusFile != "" {
		errs = append(errs, session.WriteStatus(*statusFile, session.AgentStatus{State: state}))
	}
	if sessionID != "" && *sessionFile != "" && session.ValidSessionID(sessionID) {
		agent, _ := session.GetAgent("codex")
		errs = append(errs, writeSessionID(agent, *sessionFile, sessionID))
	}
	return errors.Join(errs...)
}

func parseCodexNotifyPayload(data []byte) (event, sessionID string) {
	var payload codexNotifyPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", ""
	}
	event = firstNonEmpty(payload.Type, payload.Event)
	sessionID = firstNonEmpty(payload.SessionID, payload.ThreadID, payload.ThreadIDDash)
	return event, sessionID
}

// mapCodexEvent maps a Codex notify event onto a status. Event names have
// been spelled with '-', '.', '/' and '_' across Codex versions.
func mapCodexEvent(event string) session.StatusState {
	canon := strings.NewReplacer(".", "-", "/", "-", "_", "-").Replace(strings.ToLower(strings.TrimSpace(event)))
	if canon == "" {
		return ""
	}
	switch {
	case strings.Contains(canon, "thread-started"), strings.Contains(canon, "session-configured"):
		return session.StatusIdle
	case strings.Contains(canon, "turn") && strings.Contains(canon, "start"):
		return session.StatusWorking
	case strings.Contains(canon, "turn") && (strings.Contains(canon, "complete") ||
		strings.Contains(canon, "fail") ||
		strings.Contains(canon, "abort") ||
		strings.Contains(canon, "cancel")):
		return session.StatusWaitingForUser
	case strings.Contains(canon, "approval") || strings.Contains(canon, "permission"):
		return session.StatusWaitingForUser
	default:
		return ""
	}
}
