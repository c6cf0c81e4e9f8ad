package session

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/asheshgoplani/lanes/internal/git"
)

// MarkerKind names a per-session marker file.
type MarkerKind string

const (
	MarkerStatus   MarkerKind = "status"
	MarkerSession  MarkerKind = "session"
	MarkerPrompt   MarkerKind = "prompt"
	MarkerFeatures MarkerKind = "features"
	MarkerTests    MarkerKind = "tests"
)

// StorageLocation reports which rule produced a marker path.
type StorageLocation string

const (
	LocationGlobal       StorageLocation = "global"
	LocationRepoRelative StorageLocation = "repoRelative"
	LocationLegacy       StorageLocation = "legacy"
)

// PromptsDirName is the directory holding persisted prompts, both under the
// global repo dir and inside the convention dir of a worktree.
const PromptsDirName = "prompts"

var (
	errEmptyPath     = errors.New("path is empty")
	errAbsolutePath  = errors.New("path must be relative")
	errTraversalPath = errors.New("path must not contain '..'")
	errEscapesRoot   = errors.New("path escapes its root")
	errPathIsRoot    = errors.New("path resolves to the root itself")

	windowsDrive = regexp.MustCompile(`^[A-Za-z]:`)
)

// validateRelativePath joins a user-supplied relative path onto root and
// returns the absolute result. Absolute paths, drive letters, ".." segments
// and anything that cleans to a location outside root are rejected.
func validateRelativePath(root, rel string) (string, error) {
	norm := strings.ReplaceAll(strings.TrimSpace(rel), `\`, "/")
	if norm == "" {
		return "", errEmptyPath
	}
	if path.IsAbs(norm) || filepath.IsAbs(rel) || windowsDrive.MatchString(norm) {
		return "", errAbsolutePath
	}
	norm = strings.Trim(norm, "/")
	if norm == "" {
		return "", errEmptyPath
	}
	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return "", errTraversalPath
		}
	}

	base := filepath.Clean(root)
	abs := filepath.Join(base, filepath.FromSlash(norm))
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", errEscapesRoot
	}
	return abs, nil
}

// ResolvedPath is a marker location and the rule that produced it.
type ResolvedPath struct {
	Path     string
	Location StorageLocation
}

// PathResolver decides where marker files live. Resolution order:
// a configured relative override, then global storage (status and session
// markers only), then the worktree itself.
type PathResolver struct {
	storage StorageContext
}

// NewPathResolver returns a resolver bound to storage.
func NewPathResolver(storage StorageContext) *PathResolver {
	return &PathResolver{storage: storage}
}

// Storage returns the context the resolver was built with.
func (r *PathResolver) Storage() StorageContext { return r.storage }

// ResolveMarkerPath is Resolve without the location.
func (r *PathResolver) ResolveMarkerPath(kind MarkerKind, sessionName, worktreePath string, cfg LanesConfig) string {
	return r.Resolve(kind, sessionName, worktreePath, cfg).Path
}

// Resolve returns the path of the kind marker for the session whose worktree
// is worktreePath.
func (r *PathResolver) Resolve(kind MarkerKind, sessionName, worktreePath string, cfg LanesConfig) ResolvedPath {
	if kind == MarkerPrompt {
		return r.resolvePrompt(sessionName, worktreePath, cfg)
	}

	filename := r.filename(kind)

	if override := overrideFor(kind, cfg); override != "" {
		dir, err := validateRelativePath(worktreePath, override)
		if err == nil {
			return ResolvedPath{Path: filepath.Join(dir, filename), Location: LocationRepoRelative}
		}
		storageLog.Warn("marker_override_rejected",
			slog.String("kind", string(kind)),
			slog.String("value", override),
			slog.String("error", err.Error()))
	}

	if kind == MarkerStatus || kind == MarkerSession {
		if dir, ok := r.globalSessionDir(sessionName, cfg); ok {
			return ResolvedPath{Path: filepath.Join(dir, filename), Location: LocationGlobal}
		}
		if !cfg.UseGlobalStorage {
			return ResolvedPath{Path: filepath.Join(worktreePath, ConventionDir, filename), Location: LocationRepoRelative}
		}
	}

	return ResolvedPath{Path: filepath.Join(worktreePath, filename), Location: LocationLegacy}
}

func (r *PathResolver) resolvePrompt(sessionName, worktreePath string, cfg LanesConfig) ResolvedPath {
	filename := promptFileName(sessionName)

	if cfg.PromptsPath != "" {
		root := r.storage.BaseRepoPath
		if root == "" {
			root = worktreePath
		}
		dir, err := validateRelativePath(root, cfg.PromptsPath)
		if err == nil {
			return ResolvedPath{Path: filepath.Join(dir, filename), Location: LocationRepoRelative}
		}
		storageLog.Warn("prompts_override_rejected",
			slog.String("value", cfg.PromptsPath),
			slog.String("error", err.Error()))
	}

	if repoDir := r.storage.RepoDir(); repoDir != "" && cfg.UseGlobalStorage {
		return ResolvedPath{Path: filepath.Join(repoDir, PromptsDirName, filename), Location: LocationGlobal}
	}
	return ResolvedPath{Path: filepath.Join(worktreePath, ConventionDir, PromptsDirName, filename), Location: LocationLegacy}
}

// GlobalSessionDir returns the global directory for a session's markers,
// when global storage applies.
func (r *PathResolver) GlobalSessionDir(sessionName string, cfg LanesConfig) (string, bool) {
	return r.globalSessionDir(sessionName, cfg)
}

func (r *PathResolver) globalSessionDir(sessionName string, cfg LanesConfig) (string, bool) {
	if !cfg.UseGlobalStorage {
		return "", false
	}
	repoDir := r.storage.RepoDir()
	if repoDir == "" {
		return "", false
	}
	if err := git.ValidateSessionName(sessionName); err != nil {
		return "", false
	}
	dir, err := validateRelativePath(repoDir, sessionName)
	if err != nil {
		return "", false
	}
	return dir, true
}

// WorkflowStatePath returns the workflow marker location for a worktree.
func (r *PathResolver) WorkflowStatePath(worktreePath string, cfg LanesConfig) string {
	if cfg.WorkflowFolder != "" {
		dir, err := validateRelativePath(worktreePath, cfg.WorkflowFolder)
		if err == nil {
			return filepath.Join(dir, WorkflowStateFile)
		}
		storageLog.Warn("workflow_folder_rejected",
			slog.String("value", cfg.WorkflowFolder),
			slog.String("error", err.Error()))
	}
	return filepath.Join(worktreePath, WorkflowStateFile)
}

func (r *PathResolver) filename(kind MarkerKind) string {
	switch kind {
	case MarkerStatus:
		return r.storage.agent().StatusFileName()
	case MarkerSession:
		return r.storage.agent().SessionFileName()
	case MarkerFeatures:
		return FeaturesFile
	case MarkerTests:
		return TestsFile
	default:
		panic(fmt.Sprintf("session: no file name for marker kind %q", kind))
	}
}

func overrideFor(kind MarkerKind, cfg LanesConfig) string {
	switch kind {
	case MarkerStatus:
		return cfg.StatusPath
	case MarkerSession:
		return cfg.SessionPath
	case MarkerFeatures:
		return cfg.FeaturesPath
	case MarkerTests:
		return cfg.TestsPath
	}
	return ""
}

// promptFileName flattens a session name into a single path component.
func promptFileName(sessionName string) string {
	flat := strings.ReplaceAll(git.SanitizeSessionName(sessionName), "/", "-")
	if flat == "" {
		flat = "session"
	}
	return flat + ".txt"
}
