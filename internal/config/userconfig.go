package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/lanes/internal/logging"
	"github.com/asheshgoplani/lanes/internal/session"
)

// UserConfig is the content of config.toml. Every field is optional; the
// Get* accessors and Lanes apply defaults.
type UserConfig struct {
	Worktree WorktreeSettings `toml:"worktree"`
	Storage  StorageSettings  `toml:"storage"`
	Paths    PathSettings     `toml:"paths"`
	Agent    AgentSettings    `toml:"agent"`
	Terminal TerminalSettings `toml:"terminal"`
	Logs     LogSettings      `toml:"logs"`
}

// WorktreeSettings controls where sessions are created.
type WorktreeSettings struct {
	// Folder holds session worktrees, relative to the repository root.
	// Default: ".worktrees"
	Folder string `toml:"folder"`

	// BaseBranch is the start point for new session branches: empty for
	// the current HEAD, "auto" for the repository's default branch, or a
	// branch name.
	BaseBranch string `toml:"base_branch"`
}

// StorageSettings controls global marker storage.
type StorageSettings struct {
	// UseGlobal keeps status and session markers out of worktrees.
	// Default: true
	UseGlobal *bool `toml:"use_global"`

	// Root overrides the global storage directory.
	// Default: ~/.lanes/storage
	Root string `toml:"root"`
}

// GetUseGlobal returns UseGlobal, defaulting to true.
func (s *StorageSettings) GetUseGlobal() bool {
	if s.UseGlobal == nil {
		return true
	}
	return *s.UseGlobal
}

// PathSettings overrides marker locations. Each value is a directory
// relative to the worktree (prompts: relative to the repository root);
// absolute paths and ".." are ignored.
type PathSettings struct {
	Status   string `toml:"status"`
	Session  string `toml:"session"`
	Features string `toml:"features"`
	Tests    string `toml:"tests"`
	Prompts  string `toml:"prompts"`
	Workflow string `toml:"workflow"`
}

// AgentSettings picks the coding agent and how much it may do unattended.
type AgentSettings struct {
	// Default is the agent used when none is requested: "claude" or "codex".
	Default string `toml:"default"`

	// PermissionMode is passed to the agent unless overridden per session.
	// Unknown modes fall back to the agent's most restrictive mode.
	PermissionMode string `toml:"permission_mode"`
}

// TerminalSettings selects the terminal host.
type TerminalSettings struct {
	// Host is "tmux" (default) or "pty".
	Host string `toml:"host"`
}

// LogSettings controls debug.log.
type LogSettings struct {
	// Level is "debug", "info", "warn" or "error". Default: "info"
	Level string `toml:"level"`

	// Format is "json" (default) or "text".
	Format string `toml:"format"`

	// MaxSizeMB rotates debug.log past this size. Default: 10
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept. Default: 3
	MaxBackups int `toml:"max_backups"`

	// MaxAgeDays drops rotated files older than this. Default: 7
	MaxAgeDays int `toml:"max_age_days"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress"`

	// AggregateIntervalSecs is how often batched watcher events are
	// summarized. Default: 30
	AggregateIntervalSecs int `toml:"aggregate_interval_secs"`
}

// Cache for user config (loaded once per process)
var (
	userConfigCache   *UserConfig
	userConfigCacheMu sync.RWMutex
)

// LoadUserConfig returns the cached user config, reading config.toml on
// first use. A missing file yields the defaults. A file that fails to parse
// also caches the defaults, so the error is reported once and not on every
// call.
func LoadUserConfig() (*UserConfig, error) {
	userConfigCacheMu.RLock()
	if userConfigCache != nil {
		defer userConfigCacheMu.RUnlock()
		return userConfigCache, nil
	}
	userConfigCacheMu.RUnlock()

	userConfigCacheMu.Lock()
	defer userConfigCacheMu.Unlock()

	// Double-check after acquiring write lock
	if userConfigCache != nil {
		return userConfigCache, nil
	}

	path, err := GetUserConfigPath()
	if err != nil {
		userConfigCache = &UserConfig{}
		return userConfigCache, nil
	}

	cfg, err := readUserConfig(path)
	if err != nil {
		userConfigCache = &UserConfig{}
		return userConfigCache, err
	}
	userConfigCache = cfg
	return userConfigCache, nil
}

func readUserConfig(path string) (*UserConfig, error) {
	var cfg UserConfig
	md, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return &UserConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s parse error: %w", filepath.Base(path), err)
	}
	warnUndecoded(path, md)
	return &cfg, nil
}

func warnUndecoded(path string, md toml.MetaData) {
	for _, key := range md.Undecoded() {
		configLog.Warn("config_unknown_key", slog.String("file", path), slog.String("key", key.String()))
	}
}

// ReloadUserConfig drops the cache and reads config.toml again.
func ReloadUserConfig() (*UserConfig, error) {
	ClearUserConfigCache()
	return LoadUserConfig()
}

// ClearUserConfigCache forgets the cached config without reloading it.
func ClearUserConfigCache() {
	userConfigCacheMu.Lock()
	userConfigCache = nil
	userConfigCacheMu.Unlock()
}

// SaveUserConfig writes cfg to config.toml atomically (temp file, fsync,
// rename) and clears the cache.
func SaveUserConfig(cfg *UserConfig) error {
	path, err := GetUserConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# lanes configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	_, werr := f.Write(buf.Bytes())
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", werr)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}

	ClearUserConfigCache()
	configLog.Info("config_saved", slog.String("path", path))
	return nil
}

// Lanes flattens the config into the value session operations run with.
func (c *UserConfig) Lanes() session.LanesConfig {
	lc := session.DefaultLanesConfig()
	if c == nil {
		return lc
	}
	if c.Worktree.Folder != "" {
		lc.WorktreesFolder = c.Worktree.Folder
	}
	lc.BaseBranch = c.Worktree.BaseBranch
	lc.UseGlobalStorage = c.Storage.GetUseGlobal()

	lc.StatusPath = c.Paths.Status
	lc.SessionPath = c.Paths.Session
	lc.FeaturesPath = c.Paths.Features
	lc.TestsPath = c.Paths.Tests
	lc.PromptsPath = c.Paths.Prompts
	lc.WorkflowFolder = c.Paths.Workflow

	if c.Agent.Default != "" {
		lc.DefaultAgent = c.Agent.Default
	}
	lc.DefaultPermissionMode = c.Agent.PermissionMode
	if c.Terminal.Host != "" {
		lc.Terminal = c.Terminal.Host
	}
	return lc
}

// StorageRoot returns the global marker storage directory.
func (c *UserConfig) StorageRoot() (string, error) {
	if c != nil && c.Storage.Root != "" {
		root, err := ExpandHome(c.Storage.Root)
		if err != nil {
			return "", err
		}
		return filepath.Abs(root)
	}
	dir, err := GetLanesDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, StorageDirName), nil
}

// StorageContext returns the storage context session operations start
// from. Global storage is left unset when it is turned off or its root
// cannot be determined.
func (c *UserConfig) StorageContext() session.StorageContext {
	var sc session.StorageContext
	if c != nil && !c.Storage.GetUseGlobal() {
		return sc
	}
	root, err := c.StorageRoot()
	if err != nil {
		configLog.Warn("storage_root_unavailable", slog.String("error", err.Error()))
		return sc
	}
	sc.GlobalRoot = root
	return sc
}

// LogConfig returns logging settings with defaults applied. debug forces
// the debug level.
func (c *UserConfig) LogConfig(debug bool) logging.Config {
	var s LogSettings
	if c != nil {
		s = c.Logs
	}
	lc := logging.Config{
		Level:                 s.Level,
		Format:                s.Format,
		MaxSizeMB:             s.MaxSizeMB,
		MaxBackups:            s.MaxBackups,
		MaxAgeDays:            s.MaxAgeDays,
		Compress:              s.Compress,
		AggregateIntervalSecs: s.AggregateIntervalSecs,
		Debug:                 debug,
	}
	if lc.Level == "" {
		lc.Level = "info"
	}
	if debug {
		lc.Level = "debug"
	}
	if dir, err := GetLanesDir(); err == nil {
		lc.LogDir = dir
	}
	return lc
}
