package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionState(t *testing.T) {
	s := &Session{Name: "a"}
	assert.Equal(t, StatusIdle, s.State())
	assert.False(t, s.Resumable())

	s.Status = &AgentStatus{State: StatusError}
	s.AgentSessionID = "abc"
	assert.Equal(t, StatusError, s.State())
	assert.True(t, s.Resumable())
}

func TestConflictActionString(t *testing.T) {
	assert.Equal(t, "cancel", ConflictCancel.String())
	assert.Equal(t, "use_existing", ConflictUseExisting.String())
	assert.Equal(t, "new_name", ConflictNewName.String())
}
