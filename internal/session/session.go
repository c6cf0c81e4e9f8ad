// Package session implements the lanes session lifecycle: a session is a git
// worktree plus a branch plus an agent terminal, with agent state tracked
// through marker files that the agent's hooks write.
package session

import (
	"github.com/asheshgoplani/lanes/internal/logging"
)

var (
	sessionLog  = logging.ForComponent(logging.CompSession)
	storageLog  = logging.ForComponent(logging.CompStorage)
	terminalLog = logging.ForComponent(logging.CompTerminal)
	watchLog    = logging.ForComponent(logging.CompWatch)
)

// Session is a worktree under the worktrees folder, decorated with whatever
// its marker files say. There is no other registry: the directory existing
// is what makes it a session.
type Session struct {
	Name         string
	WorktreePath string
	BranchName   string
	RepoRoot     string
	Agent        string

	Status          *AgentStatus
	AgentSessionID  string
	StorageLocation StorageLocation
	Features        *FeatureStatus
	Workflow        *WorkflowState

	// Broken is set when the worktree's .git pointer is dangling.
	Broken bool
}

// Resumable reports whether the agent can pick up its previous conversation.
func (s *Session) Resumable() bool {
	return s.AgentSessionID != ""
}

// State returns the reported status, idle when nothing was reported.
func (s *Session) State() StatusState {
	if s.Status == nil {
		return StatusIdle
	}
	return s.Status.State
}
