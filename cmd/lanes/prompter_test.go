package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/lanes/internal/session"
)

func TestLinePrompterChoices(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		action session.ConflictAction
		newNm  string
	}{
		{"use existing", "u\n", session.ConflictUseExisting, ""},
		{"yes means use", "YES\n", session.ConflictUseExisting, ""},
		{"new name", "n\nfeat-2\n", session.ConflictNewName, "feat-2"},
		{"new name left empty", "n\n\n", session.ConflictCancel, ""},
		{"cancel", "c\n", session.ConflictCancel, ""},
		{"empty answer", "\n", session.ConflictCancel, ""},
		{"eof", "", session.ConflictCancel, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := newLinePrompter(strings.NewReader(tt.input), &out)
			choice, err := p.ResolveConflict(context.Background(), "feat")
			require.NoError(t, err)
			assert.Equal(t, tt.action, choice.Action)
			assert.Equal(t, tt.newNm, choice.Name)
			assert.Contains(t, out.String(), "Branch 'feat' already exists")
		})
	}
}

func TestLinePrompterHonorsContext(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := newLinePrompter(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.ResolveConflict(ctx, "feat")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConflictPrompterReuse(t *testing.T) {
	p := conflictPrompter(true)
	require.NotNil(t, p)
	choice, err := p.ResolveConflict(context.Background(), "feat")
	require.NoError(t, err)
	assert.Equal(t, session.ConflictUseExisting, choice.Action)
}
