package session

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/lanes/internal/git"
)

// StorageContext carries what path resolution needs to know about the host:
// where global storage lives, which repository the session belongs to and
// which agent's file names apply. It is a plain value built by the caller
// and passed in; copies are cheap.
type StorageContext struct {
	// GlobalRoot is the per-user storage directory (e.g. ~/.lanes/storage).
	// Empty disables global storage.
	GlobalRoot string
	// BaseRepoPath is the main checkout of the repository. Without it the
	// repository identifier cannot be derived and global storage is skipped.
	BaseRepoPath string
	// Agent selects marker file names. Nil means the default agent.
	Agent AgentBackend
}

// WithRepo returns a copy bound to repoPath.
func (c StorageContext) WithRepo(repoPath string) StorageContext {
	c.BaseRepoPath = repoPath
	return c
}

// WithAgent returns a copy using agent for file names.
func (c StorageContext) WithAgent(agent AgentBackend) StorageContext {
	c.Agent = agent
	return c
}

// agent returns the configured backend, or the default one.
func (c StorageContext) agent() AgentBackend {
	if c.Agent != nil {
		return c.Agent
	}
	a, _ := GetAgent(DefaultAgentName)
	return a
}

// globalReady reports whether a global path can be built.
func (c StorageContext) globalReady() bool {
	return c.GlobalRoot != "" && c.BaseRepoPath != ""
}

// RepoIdentifier names the repository's directory under the global root:
// the sanitized base name plus 8 hex characters of a hash of the normalized
// path, so two checkouts named "app" do not collide.
func (c StorageContext) RepoIdentifier() string {
	return RepoIdentifier(c.BaseRepoPath)
}

// RepoDir returns <GlobalRoot>/<RepoIdentifier>, or "" when global storage
// cannot be used.
func (c StorageContext) RepoDir() string {
	if !c.globalReady() {
		return ""
	}
	return filepath.Join(c.GlobalRoot, c.RepoIdentifier())
}

// RepoIdentifier derives the global storage key for repoPath. The hash is
// computed over a lower-cased, slash-normalized, cleaned path so the same
// checkout always maps to the same key across platforms.
func RepoIdentifier(repoPath string) string {
	normalized := filepath.ToSlash(filepath.Clean(strings.ToLower(strings.ReplaceAll(repoPath, `\`, "/"))))
	sum := sha256.Sum256([]byte(normalized))

	base := git.SanitizeSessionName(filepath.Base(filepath.Clean(repoPath)))
	base = strings.ReplaceAll(base, "/", "-")
	if base == "" {
		base = "repo"
	}
	return base + "-" + hex.EncodeToString(sum[:])[:8]
}
