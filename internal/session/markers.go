package session

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"time"
)

// StatusState is the agent state reported by hooks.
type StatusState string

const (
	StatusWorking        StatusState = "working"
	StatusWaitingForUser StatusState = "waiting_for_user"
	StatusIdle           StatusState = "idle"
	StatusError          StatusState = "error"
)

// AgentStatus is the content of a status marker.
type AgentStatus struct {
	State     StatusState `json:"status"`
	Timestamp string      `json:"timestamp,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// SessionData is the content of a session marker. SessionID is what makes a
// session resumable.
type SessionData struct {
	SessionID      string `json:"sessionId"`
	Timestamp      string `json:"timestamp,omitempty"`
	Workflow       string `json:"workflow,omitempty"`
	IsChimeEnabled *bool  `json:"isChimeEnabled,omitempty"`
	TaskListID     string `json:"taskListId,omitempty"`
	AgentName      string `json:"agentName,omitempty"`
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidSessionID reports whether id is safe to embed in a resume command.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// parseStatus decodes a status marker, accepting only the given states.
func parseStatus(data []byte, valid []StatusState) (*AgentStatus, bool) {
	var st AgentStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false
	}
	if !slices.Contains(valid, st.State) {
		return nil, false
	}
	return &st, true
}

// parseSessionData decodes a session marker; a missing or malformed id
// means there is nothing to resume.
func parseSessionData(data []byte) (*SessionData, bool) {
	var sd SessionData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, false
	}
	if !ValidSessionID(sd.SessionID) {
		return nil, false
	}
	return &sd, true
}

// readMarker returns the file content, or nil when the file does not exist.
func readMarker(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// ReadStatus reads a status marker through agent. Missing, unreadable and
// invalid files all read as "no status".
func ReadStatus(agent AgentBackend, path string) *AgentStatus {
	data, err := readMarker(path)
	if err != nil || data == nil {
		return nil
	}
	st, ok := agent.ParseStatus(data)
	if !ok {
		return nil
	}
	return st
}

// WriteStatus writes a status marker atomically, stamping the time when the
// caller left it empty.
func WriteStatus(path string, st AgentStatus) error {
	if st.Timestamp == "" {
		st.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

// ReadSessionData reads a session marker through agent.
func ReadSessionData(agent AgentBackend, path string) *SessionData {
	data, err := readMarker(path)
	if err != nil || data == nil {
		return nil
	}
	sd, ok := agent.ParseSessionData(data)
	if !ok {
		return nil
	}
	return sd
}

// WriteSessionData writes a session marker atomically.
func WriteSessionData(path string, sd SessionData) error {
	if !ValidSessionID(sd.SessionID) {
		return &ValidationError{Field: "session id", Value: sd.SessionID, Reason: "only letters, digits, '_' and '-' are allowed"}
	}
	if sd.Timestamp == "" {
		sd.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(sd)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

// Feature is one entry of features.json.
type Feature struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Passes      bool   `json:"passes"`
}

type featureFile struct {
	Features []Feature `json:"features"`
}

// FeatureStatus summarizes features.json.
type FeatureStatus struct {
	// Current is the first feature that does not pass yet.
	Current     *Feature
	AllComplete bool
	Total       int
	Passing     int
}

// GetFeatureStatus summarizes a features list. An empty list is never
// complete.
func GetFeatureStatus(features []Feature) FeatureStatus {
	st := FeatureStatus{Total: len(features)}
	for i := range features {
		if features[i].Passes {
			st.Passing++
			continue
		}
		if st.Current == nil {
			f := features[i]
			st.Current = &f
		}
	}
	st.AllComplete = st.Total > 0 && st.Current == nil
	return st
}

// ReadFeatureStatus reads features.json at path; nil when absent or invalid.
func ReadFeatureStatus(path string) *FeatureStatus {
	data, err := readMarker(path)
	if err != nil || data == nil {
		return nil
	}
	var ff featureFile
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil
	}
	st := GetFeatureStatus(ff.Features)
	return &st
}

// WorkflowTask points at the task a workflow is executing.
type WorkflowTask struct {
	Index int `json:"index"`
}

// WorkflowState is the content of workflow-state.json.
type WorkflowState struct {
	Status   string        `json:"status"`
	Workflow string        `json:"workflow,omitempty"`
	Step     string        `json:"step,omitempty"`
	Task     *WorkflowTask `json:"task,omitempty"`
	Summary  string        `json:"summary,omitempty"`
}

// Active reports whether the workflow is running.
func (w *WorkflowState) Active() bool {
	return w != nil && w.Status == "running"
}

// ReadWorkflowState reads the workflow marker; nil when absent or invalid.
func ReadWorkflowState(path string) *WorkflowState {
	data, err := readMarker(path)
	if err != nil || data == nil {
		return nil
	}
	var ws WorkflowState
	if err := json.Unmarshal(data, &ws); err != nil || ws.Status == "" {
		return nil
	}
	return &ws
}
