package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// InstallHooks writes the agent's hook settings for a worktree so the agent
// reports status and session id to the given marker paths. Parent
// directories of the marker files are created so the first hook invocation
// can write without racing the directory creation. The settings file is
// replaced atomically.
func InstallHooks(agent AgentBackend, worktreePath string, paths HookPaths) error {
	if paths.Binary == "" {
		return &ValidationError{Field: "hook binary", Reason: "path of the lanes executable is unknown"}
	}
	for _, p := range []string{paths.StatusFile, paths.SessionFile} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return &FilesystemError{Op: "mkdir", Path: filepath.Dir(p), Err: err}
		}
	}

	settingsPath := agent.HookSettingsPath(worktreePath)
	existing, err := readMarker(settingsPath)
	if err != nil {
		return &FilesystemError{Op: "read", Path: settingsPath, Err: err}
	}

	data, err := agent.RenderHookSettings(existing, paths)
	if err != nil {
		return fmt.Errorf("render %s hook settings: %w", agent.Name(), err)
	}
	if err := writeFileAtomic(settingsPath, data, 0o644); err != nil {
		return err
	}

	sessionLog.Info("hooks_installed",
		slog.String("agent", agent.Name()),
		slog.String("settings", settingsPath),
		slog.String("status_file", paths.StatusFile))
	return nil
}

// LanesBinary returns the absolute path of the running executable, which
// hook commands call back into.
func LanesBinary() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Abs(exe)
}
