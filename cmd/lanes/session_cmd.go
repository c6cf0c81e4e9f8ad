package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/asheshgoplani/lanes/internal/session"
)

// sessionJSON is the scripting view of a session.
type sessionJSON struct {
	Name            string `json:"name"`
	Branch          string `json:"branch"`
	Path            string `json:"path"`
	Agent           string `json:"agent"`
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
	AgentSessionID  string `json:"agent_session_id,omitempty"`
	StorageLocation string `json:"storage_location,omitempty"`
	CurrentFeature  string `json:"current_feature,omitempty"`
	AllComplete     bool   `json:"all_complete,omitempty"`
	Workflow        string `json:"workflow,omitempty"`
	Broken          bool   `json:"broken,omitempty"`
}

func toSessionJSON(s *session.Session) sessionJSON {
	out := sessionJSON{
		Name:            s.Name,
		Branch:          s.BranchName,
		Path:            s.WorktreePath,
		Agent:           s.Agent,
		Status:          string(s.State()),
		AgentSessionID:  s.AgentSessionID,
		StorageLocation: string(s.StorageLocation),
		Broken:          s.Broken,
	}
	if s.Status != nil {
		out.Message = s.Status.Message
	}
	if s.Features != nil {
		if s.Features.Current != nil {
			out.CurrentFeature = s.Features.Current.ID
		}
		out.AllComplete = s.Features.AllComplete
	}
	if s.Workflow != nil && s.Workflow.Active() {
		out.Workflow = s.Workflow.Workflow
	}
	return out
}

func handleCreate(repoDir string, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	prompt := fs.String("prompt", "", "Initial prompt for the agent")
	promptShort := fs.String("p", "", "Initial prompt (short)")
	from := fs.String("from", "", "Branch to start the new branch from")
	agent := fs.String("agent", "", "Agent to run (claude, codex)")
	mode := fs.String("mode", "", "Permission mode passed to the agent")
	reuse := fs.Bool("reuse", false, "Use an existing branch of the same name without asking")
	detach := fs.Bool("detach", false, "Do not attach to the agent terminal")
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Println("Usage: lanes create <name> [options]")
		fmt.Println()
		fmt.Println("Create a worktree and branch for <name> and start an agent in it.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  lanes create fix-login -p \"Fix the login redirect\"")
		fmt.Println("  lanes create feat/search --from develop --agent codex")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, false)
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, repoDir, appOptions{prompter: conflictPrompter(*reuse)})
	if err != nil {
		fail(out, err)
	}
	defer a.Close()

	res, err := a.orch.CreateSession(ctx, session.CreateRequest{
		Name:           strings.Join(fs.Args(), " "),
		Prompt:         firstNonEmpty(*prompt, *promptShort),
		SourceBranch:   *from,
		PermissionMode: *mode,
		Agent:          *agent,
		WorkspaceRoot:  a.repoRoot,
		Config:         a.cfg,
	})
	if err != nil {
		fail(out, err)
	}
	if res.Cancelled {
		out.Print("Cancelled.\n", map[string]any{"success": false, "cancelled": true})
		return
	}

	sess := res.Session
	for _, w := range []struct {
		what string
		err  error
	}{{"hooks", res.HookError}, {"registry", res.RegistryError}, {"launch", res.LaunchError}} {
		if w.err != nil {
			out.Warn(fmt.Sprintf("%s: %v", w.what, w.err))
		}
	}

	verb := "Created"
	if res.Reused {
		verb = "Created (existing branch)"
	}
	data := map[string]any{
		"success": true,
		"session": toSessionJSON(sess),
		"reused":  res.Reused,
	}
	if res.Launch != nil {
		data["terminal"] = res.Launch.TerminalName
	}
	out.Success(fmt.Sprintf("%s session %s at %s", verb, sess.Name, shortenHome(sess.WorktreePath)), data)

	if res.Launch == nil || *jsonOutput {
		return
	}
	if *detach && !a.isPTYHost() {
		fmt.Printf("  Attach with: lanes open %s\n", sess.Name)
		return
	}
	if err := a.focus(ctx, res.Launch.TerminalName); err != nil {
		out.Warn(fmt.Sprintf("attach: %v", err))
	}
}

func handleOpen(repoDir string, args []string) {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	prompt := fs.String("prompt", "", "Prompt for a fresh start (ignored when resuming)")
	mode := fs.String("mode", "", "Permission mode passed to the agent")
	detach := fs.Bool("detach", false, "Start the terminal without attaching")

	fs.Usage = func() {
		fmt.Println("Usage: lanes open <session> [options]")
		fmt.Println()
		fmt.Println("Open the agent terminal of a session, resuming the previous")
		fmt.Println("conversation when one was recorded.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	out := NewCLIOutput(false, false)
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, repoDir, appOptions{})
	if err != nil {
		fail(out, err)
	}
	defer a.Close()

	sess, err := a.findSession(ctx, fs.Arg(0))
	if err != nil {
		fail(out, err)
	}
	if sess.Broken {
		fail(out, fmt.Errorf("session %s is broken; run 'lanes repair' first", sess.Name))
	}

	res, err := a.orch.OpenSession(ctx, sess, *prompt, *mode, a.cfg)
	if err != nil {
		fail(out, err)
	}
	switch {
	case res.Reused:
		cliLog.Info("terminal_focused", slog.String("terminal", res.TerminalName))
		// Launch already focused it.
		return
	case res.Resumed:
		out.Success(fmt.Sprintf("Resumed %s", sess.Name), nil)
	default:
		out.Success(fmt.Sprintf("Started %s", sess.Name), nil)
	}
	if *detach && !a.isPTYHost() {
		return
	}
	if err := a.focus(ctx, res.TerminalName); err != nil {
		out.Warn(fmt.Sprintf("attach: %v", err))
	}
}

func handleDelete(repoDir string, args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	force := fs.Bool("force", false, "Do not ask for confirmation")
	forceShort := fs.Bool("f", false, "Do not ask for confirmation (short)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Println("Usage: lanes delete <session> [options]")
		fmt.Println()
		fmt.Println("Close the agent terminal and remove the session worktree.")
		fmt.Println("The branch is kept.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, false)
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, repoDir, appOptions{})
	if err != nil {
		fail(out, err)
	}
	defer a.Close()

	sess, err := a.findSession(ctx, fs.Arg(0))
	if err != nil {
		fail(out, err)
	}

	if !*force && !*forceShort && !*jsonOutput && conflictPrompter(false) != nil {
		fmt.Printf("Delete session %s (%s)? Uncommitted changes are lost. [y/N]: ", sess.Name, shortenHome(sess.WorktreePath))
		answer, err := newLinePrompter(os.Stdin, os.Stdout).readLine(ctx)
		if err != nil || !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
			fmt.Println("Cancelled.")
			return
		}
	}

	if err := a.orch.DeleteSession(ctx, sess, a.cfg); err != nil {
		fail(out, err)
	}
	out.Success(fmt.Sprintf("Deleted session %s (branch %s kept)", sess.Name, sess.BranchName), map[string]any{
		"success": true,
		"session": sess.Name,
		"branch":  sess.BranchName,
	})
}

// Table column widths for list output
const (
	tableColName   = 24
	tableColBranch = 24
	tableColAgent  = 8
	tableColStatus = 18
)

func handleList(repoDir string, args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: lanes list [--json]")
		fmt.Println()
		fmt.Println("List the sessions of the current repository.")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, false)
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, repoDir, appOptions{})
	if err != nil {
		fail(out, err)
	}
	defer a.Close()

	sessions, err := a.orch.ListSessions(ctx, a.repoRoot, a.cfg)
	if err != nil {
		fail(out, err)
	}

	if *jsonOutput {
		rows := make([]sessionJSON, len(sessions))
		for i, s := range sessions {
			rows[i] = toSessionJSON(s)
		}
		out.Print("", rows)
		return
	}
	if len(sessions) == 0 {
		fmt.Printf("No sessions in %s.\n", shortenHome(a.repoRoot))
		return
	}
	fmt.Print(renderSessionTable(sessions))
	fmt.Printf("\nTotal: %d sessions\n", len(sessions))
}

// renderSessionTable formats sessions as aligned columns.
func renderSessionTable(sessions []*session.Session) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(
		padRight("NAME", tableColName)+" "+
			padRight("BRANCH", tableColBranch)+" "+
			padRight("AGENT", tableColAgent)+" "+
			padRight("STATUS", tableColStatus)+" PATH") + "\n")
	b.WriteString(strings.Repeat("-", tableColName+tableColBranch+tableColAgent+tableColStatus+10) + "\n")

	for _, s := range sessions {
		state := s.State()
		status := stateSymbol(state) + " " + string(state)
		if s.Broken {
			status = "✕ broken"
		}
		// Pad before styling; escape codes would throw the width off.
		cell := padRight(truncate(status, tableColStatus), tableColStatus)
		if s.Broken {
			cell = errorStyle.Render(cell)
		} else {
			cell = stateStyle(state).Render(cell)
		}
		fmt.Fprintf(&b, "%s %s %s %s %s\n",
			padRight(truncate(s.Name, tableColName), tableColName),
			padRight(truncate(s.BranchName, tableColBranch), tableColBranch),
			padRight(truncate(s.Agent, tableColAgent), tableColAgent),
			cell,
			dimStyle.Render(shortenHome(s.WorktreePath)))
	}
	return b.String()
}

func handleStatus(repoDir string, args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	quiet := fs.Bool("q", false, "Only print the state")
	fs.Usage = func() {
		fmt.Println("Usage: lanes status [session] [options]")
		fmt.Println()
		fmt.Println("Show one session in detail, or a summary of all sessions.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, false)
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, repoDir, appOptions{})
	if err != nil {
		fail(out, err)
	}
	defer a.Close()

	if fs.NArg() == 0 {
		sessions, err := a.orch.ListSessions(ctx, a.repoRoot, a.cfg)
		if err != nil {
			fail(out, err)
		}
		counts := countByState(sessions)
		if *quiet {
			fmt.Println(counts[session.StatusWaitingForUser])
			return
		}
		out.Print(fmt.Sprintf("%d waiting %s %d working %s %d idle %s %d error\n",
			counts[session.StatusWaitingForUser], bulletSymbol,
			counts[session.StatusWorking], bulletSymbol,
			counts[session.StatusIdle], bulletSymbol,
			counts[session.StatusError]), map[string]int{
			"waiting": counts[session.StatusWaitingForUser],
			"working": counts[session.StatusWorking],
			"idle":    counts[session.StatusIdle],
			"error":   counts[session.StatusError],
			"total":   len(sessions),
		})
		return
	}

	sess, err := a.findSession(ctx, fs.Arg(0))
	if err != nil {
		fail(out, err)
	}
	if *quiet {
		fmt.Println(sess.State())
		return
	}
	detail := formatSessionDetail(sess)
	if a.db != nil {
		if p, err := a.db.GetProject(ctx, sess.WorktreePath); err == nil {
			detail += fmt.Sprintf("%-10s %s\n", "Registry:", firstNonEmpty(strings.Join(p.Tags, ", "), p.Name))
		}
	}
	out.Print(detail, toSessionJSON(sess))
}

func countByState(sessions []*session.Session) map[session.StatusState]int {
	counts := make(map[session.StatusState]int)
	for _, s := range sessions {
		counts[s.State()]++
	}
	return counts
}

func formatSessionDetail(s *session.Session) string {
	var b strings.Builder
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%-10s %s\n", label+":", value)
		}
	}
	state := s.State()
	row("Session", headerStyle.Render(s.Name))
	row("Branch", s.BranchName)
	row("Path", shortenHome(s.WorktreePath))
	row("Agent", s.Agent)
	row("Status", stateStyle(state).Render(stateSymbol(state)+" "+string(state)))
	if s.Status != nil {
		row("Message", s.Status.Message)
		if ts, err := time.Parse(time.RFC3339, s.Status.Timestamp); err == nil {
			row("Updated", ts.Local().Format("2006-01-02 15:04:05"))
		}
	}
	row("Markers", string(s.StorageLocation))
	if s.Resumable() {
		row("Resume", s.AgentSessionID)
	}
	if f := s.Features; f != nil {
		switch {
		case f.AllComplete:
			row("Features", "all complete")
		case f.Current != nil:
			row("Features", fmt.Sprintf("%s: %s", f.Current.ID, f.Current.Description))
		}
	}
	if w := s.Workflow; w != nil && w.Active() {
		row("Workflow", strings.TrimSpace(w.Workflow+" "+w.Step))
	}
	if s.Broken {
		row("Problem", errorStyle.Render("worktree is broken; run 'lanes repair'"))
	}
	return b.String()
}

func handleRepair(repoDir string, args []string) {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "Only list broken worktrees")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: lanes repair [--dry-run] [--json]")
		fmt.Println()
		fmt.Println("Recreate session worktrees whose git metadata went missing,")
		fmt.Println("keeping every file in them.")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, false)
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, repoDir, appOptions{})
	if err != nil {
		fail(out, err)
	}
	defer a.Close()

	if *dryRun {
		broken, err := a.orch.DetectBrokenWorktrees(a.repoRoot, a.cfg)
		if err != nil {
			fail(out, err)
		}
		var b strings.Builder
		rows := make([]map[string]string, 0, len(broken))
		for _, bw := range broken {
			fmt.Fprintf(&b, "  %s %s (branch %s)\n", bulletSymbol, shortenHome(bw.Path), bw.ExpectedBranch)
			rows = append(rows, map[string]string{"path": bw.Path, "branch": bw.ExpectedBranch})
		}
		if len(broken) == 0 {
			b.WriteString("No broken worktrees.\n")
		}
		out.Print(b.String(), rows)
		return
	}

	results, err := a.orch.RepairBrokenWorktrees(ctx, a.repoRoot, a.cfg)
	if err != nil {
		fail(out, err)
	}
	if len(results) == 0 {
		out.Print("No broken worktrees.\n", []any{})
		return
	}

	failed := 0
	rows := make([]map[string]any, 0, len(results))
	var b strings.Builder
	for _, r := range results {
		row := map[string]any{"path": r.Worktree.Path, "branch": r.Worktree.ExpectedBranch, "success": r.Success}
		if r.Success {
			fmt.Fprintf(&b, "%s Repaired %s\n", successStyle.Render(successSymbol), shortenHome(r.Worktree.Path))
		} else {
			failed++
			row["error"] = r.Err.Error()
			fmt.Fprintf(&b, "%s %s: %v\n", errorStyle.Render("✕"), shortenHome(r.Worktree.Path), r.Err)
		}
		if r.BackupPath != "" {
			row["backup"] = r.BackupPath
			fmt.Fprintf(&b, "    backup kept at %s\n", r.BackupPath)
		}
		rows = append(rows, row)
	}
	out.Print(b.String(), rows)
	if failed > 0 {
		os.Exit(1)
	}
}

func handleHooks(repoDir string, args []string) {
	if len(args) == 0 || args[0] != "sync" {
		fmt.Fprintln(os.Stderr, "Usage: lanes hooks sync")
		os.Exit(1)
	}
	out := NewCLIOutput(false, false)
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, repoDir, appOptions{})
	if err != nil {
		fail(out, err)
	}
	defer a.Close()

	n, err := a.orch.RewriteHooks(ctx, a.repoRoot, a.cfg)
	if err != nil {
		out.Warn(err.Error())
	}
	out.Success(fmt.Sprintf("Rewrote hooks in %d sessions", n), nil)
	if err != nil {
		os.Exit(1)
	}
}

func handleProjects(args []string) {
	fs := flag.NewFlagSet("projects", flag.ExitOnError)
	tag := fs.String("tag", "", "Only projects carrying this tag (e.g. claude)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: lanes projects [--tag TAG] [--json]")
		fmt.Println()
		fmt.Println("List session worktrees recorded in the project registry,")
		fmt.Println("across all repositories.")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, false)
	db := openRegistry()
	if db == nil {
		fail(out, errors.New("project registry is unavailable (see debug.log)"))
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()
	projects, err := db.ListProjects(ctx, *tag)
	if err != nil {
		fail(out, err)
	}

	type projectJSON struct {
		Name      string    `json:"name"`
		Path      string    `json:"path"`
		Tags      []string  `json:"tags"`
		Status    string    `json:"status,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}
	rows := make([]projectJSON, len(projects))
	var b strings.Builder
	for i, p := range projects {
		rows[i] = projectJSON{Name: p.Name, Path: p.Path, Tags: p.Tags, Status: p.Status, CreatedAt: p.CreatedAt}
		fmt.Fprintf(&b, "%s %s %s\n",
			padRight(truncate(p.Name, tableColName), tableColName),
			padRight(truncate(p.Status, tableColStatus), tableColStatus),
			dimStyle.Render(shortenHome(p.Path)))
	}
	if len(projects) == 0 {
		b.WriteString("No projects registered.\n")
	}
	out.Print(b.String(), rows)
}

// firstNonEmpty returns the first non-empty string after trimming whitespace.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return notifyContext(context.Background())
}
