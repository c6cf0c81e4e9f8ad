package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/lanes/internal/config"
	"github.com/asheshgoplani/lanes/internal/session"
)

// handleWatch follows the status markers of every session and prints state
// changes, recording them in the project registry. It also rewrites hook
// settings whenever config.toml or .lanes.toml changes, so hooks keep
// writing where marker paths now resolve.
func handleWatch(repoDir string, args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	interval := fs.Duration("min-interval", 200*time.Millisecond, "Minimum time between printed updates")
	fs.Usage = func() {
		fmt.Println("Usage: lanes watch [--min-interval D]")
		fmt.Println()
		fmt.Println("Print session state changes until interrupted.")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
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

	if err := runWatch(ctx, a, *interval); err != nil {
		fail(out, err)
	}
}

// runWatch runs the status watcher and the config watcher until ctx ends.
func runWatch(ctx context.Context, a *app, interval time.Duration) error {
	sessions, err := a.orch.ListSessions(ctx, a.repoRoot, a.cfg)
	if err != nil {
		return err
	}
	paths := make(map[string]string, len(sessions))
	for _, s := range sessions {
		paths[s.Name] = s.WorktreePath
	}

	targets, err := a.orch.WatchTargets(ctx, a.repoRoot, a.cfg)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Println("No sessions to watch.")
		return nil
	}

	watcher, err := session.NewStatusWatcher(targets, func(ev session.StatusEvent) {
		state := session.StatusIdle
		if ev.Status != nil {
			state = ev.Status.State
		}
		fmt.Printf("%s %s %s\n",
			dimStyle.Render(time.Now().Format("15:04:05")),
			padRight(truncate(ev.Session, tableColName), tableColName),
			stateStyle(state).Render(stateSymbol(state)+" "+string(state)))

		if a.db != nil {
			if err := a.db.RecordStatus(ctx, paths[ev.Session], string(state)); err != nil {
				cliLog.Warn("record_status_failed", slog.String("session", ev.Session), slog.String("error", err.Error()))
			}
		}
	})
	if err != nil {
		return err
	}
	watcher.SetLimit(interval, 5)

	fmt.Printf("Watching %d sessions in %s (Ctrl+C to stop)\n", len(targets), shortenHome(a.repoRoot))

	syncer := session.NewSettingsSync(a.orch, a.repoRoot, func() (session.LanesConfig, error) {
		user, userErr := config.ReloadUserConfig()
		merged, repoErr := user.ForRepo(a.repoRoot)
		return merged.Lanes(), errors.Join(userErr, repoErr)
	})
	configFiles := []string{filepath.Join(a.repoRoot, config.RepoConfigFileName)}
	if p, err := config.GetUserConfigPath(); err == nil {
		configFiles = append(configFiles, p)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		return session.WatchFiles(gctx, configFiles, func() {
			n, err := syncer.Sync(gctx)
			switch {
			case errors.Is(err, session.ErrSyncInProgress):
			case err != nil:
				out := NewCLIOutput(false, false)
				out.Warn(fmt.Sprintf("hook sync: %v", err))
			default:
				fmt.Printf("%s config changed, rewrote hooks in %d sessions\n",
					dimStyle.Render(time.Now().Format("15:04:05")), n)
			}
		})
	})
	return g.Wait()
}
