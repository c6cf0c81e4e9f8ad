// Package config loads lanes user preferences from ~/.lanes/config.toml and
// per-repository overrides from <repo>/.lanes.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/lanes/internal/logging"
)

const (
	// UserConfigFileName is the TOML file holding user preferences.
	UserConfigFileName = "config.toml"
	// RepoConfigFileName is the optional per-repository override file.
	RepoConfigFileName = ".lanes.toml"
	// StorageDirName holds global marker storage under the lanes dir.
	StorageDirName = "storage"
	// RegistryFileName is the SQLite project registry under the lanes dir.
	RegistryFileName = "state.db"
)

var configLog = logging.ForComponent(logging.CompConfig)

// GetLanesDir returns the lanes home directory: $LANES_HOME when set,
// otherwise ~/.lanes.
func GetLanesDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("LANES_HOME")); dir != "" {
		return ExpandHome(dir)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".lanes"), nil
}

// GetUserConfigPath returns the path of config.toml.
func GetUserConfigPath() (string, error) {
	dir, err := GetLanesDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, UserConfigFileName), nil
}

// GetRegistryPath returns the path of the project registry database.
func GetRegistryPath() (string, error) {
	dir, err := GetLanesDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, RegistryFileName), nil
}

// DebugEnabled reports whether LANES_DEBUG asks for debug logging.
func DebugEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LANES_DEBUG"))) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
