package session

import (
	"log/slog"
	"path/filepath"
)

// Defaults used when a LanesConfig field is left empty.
const (
	DefaultWorktreesFolder = ".worktrees"
	DefaultAgentName       = "claude"
	AutoBaseBranch         = "auto"

	// ConventionDir holds marker files inside a worktree when global
	// storage is switched off.
	ConventionDir = ".lanes"

	// WorkflowStateFile is the workflow marker written by agent workflows.
	WorkflowStateFile = "workflow-state.json"
	// FeaturesFile and TestsFile are the progress markers agents maintain.
	FeaturesFile = "features.json"
	TestsFile    = "tests.json"
)

// LanesConfig is the flattened configuration one operation runs with. It is
// resolved once by the caller (see config.UserConfig.Lanes) and passed down
// explicitly; nothing in this package reads configuration on its own.
type LanesConfig struct {
	// WorktreesFolder is relative to the repository root.
	WorktreesFolder string

	// UseGlobalStorage places status and session markers under the global
	// storage root instead of inside the worktree.
	UseGlobalStorage bool

	// Per-kind overrides, each a directory relative to the worktree (or to
	// the repository root for PromptsPath). Unsafe values are ignored.
	StatusPath     string
	SessionPath    string
	FeaturesPath   string
	TestsPath      string
	PromptsPath    string
	WorkflowFolder string

	// BaseBranch is the source for sessions created without one: "" means
	// current HEAD, "auto" the repository's default branch, anything else
	// is used as-is.
	BaseBranch string

	DefaultAgent          string
	DefaultPermissionMode string

	// Terminal selects the terminal host: "tmux" or "pty".
	Terminal string
}

// DefaultLanesConfig returns the configuration used when nothing is set.
func DefaultLanesConfig() LanesConfig {
	return LanesConfig{
		WorktreesFolder:  DefaultWorktreesFolder,
		UseGlobalStorage: true,
		DefaultAgent:     DefaultAgentName,
		Terminal:         "tmux",
	}
}

// WorktreesDir returns the absolute directory holding session worktrees.
// An empty or unsafe WorktreesFolder falls back to the default.
func (c LanesConfig) WorktreesDir(repoRoot string) string {
	folder := c.WorktreesFolder
	if folder == "" {
		folder = DefaultWorktreesFolder
	}
	dir, err := validateRelativePath(repoRoot, folder)
	if err == nil && dir == filepath.Clean(repoRoot) {
		err = errPathIsRoot
	}
	if err != nil {
		storageLog.Warn("worktrees_folder_rejected",
			slog.String("value", folder),
			slog.String("error", err.Error()))
		return filepath.Join(repoRoot, DefaultWorktreesFolder)
	}
	return dir
}

// WorktreePath returns where the worktree for session name lives.
func (c LanesConfig) WorktreePath(repoRoot, name string) string {
	return filepath.Join(c.WorktreesDir(repoRoot), filepath.FromSlash(name))
}
