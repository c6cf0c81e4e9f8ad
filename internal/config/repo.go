package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// clone returns a copy that shares no pointers with c.
func (c *UserConfig) clone() *UserConfig {
	out := *c
	if c.Storage.UseGlobal != nil {
		v := *c.Storage.UseGlobal
		out.Storage.UseGlobal = &v
	}
	return &out
}

// ForRepo returns the config with <repoRoot>/.lanes.toml merged on top. Keys
// the repository file sets win; everything else comes from c. The cached
// user config is never modified.
func (c *UserConfig) ForRepo(repoRoot string) (*UserConfig, error) {
	base := c
	if base == nil {
		base = &UserConfig{}
	}
	merged := base.clone()

	path := filepath.Join(repoRoot, RepoConfigFileName)
	md, err := toml.DecodeFile(path, merged)
	if errors.Is(err, fs.ErrNotExist) {
		return base.clone(), nil
	}
	if err != nil {
		return base.clone(), fmt.Errorf("%s parse error: %w", RepoConfigFileName, err)
	}
	warnUndecoded(path, md)

	for _, key := range md.Keys() {
		if len(key) > 1 {
			configLog.Debug("repo_config_override", slog.String("repo", repoRoot), slog.String("key", key.String()))
		}
	}
	return merged, nil
}

// LoadForRepo loads the user config and merges the repository overrides.
// Parse errors are returned together with the best config available.
func LoadForRepo(repoRoot string) (*UserConfig, error) {
	user, userErr := LoadUserConfig()
	merged, repoErr := user.ForRepo(repoRoot)
	return merged, errors.Join(userErr, repoErr)
}
