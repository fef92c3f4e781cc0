package core

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatus_Values(t *testing.T) {
	assert.Equal(t, TaskStatus("PENDING"), StatusPending)
	assert.Equal(t, TaskStatus("RUNNING"), StatusRunning)
	assert.Equal(t, TaskStatus("SUCCESS"), StatusSuccess)
	assert.Equal(t, TaskStatus("FAILURE"), StatusFailure)
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusFailure.IsTerminal())
}

func TestNewJobID(t *testing.T) {
	id := NewJobID()
	assert.Len(t, id, 22)

	raw, err := base64.RawURLEncoding.DecodeString(id)
	require.NoError(t, err)
	assert.Len(t, raw, 16)

	assert.NotEqual(t, id, NewJobID())
}

func TestTaskMessage_Root(t *testing.T) {
	head := &TaskMessage{TaskID: "root"}
	assert.Equal(t, "root", head.Root())

	child := &TaskMessage{TaskID: "root.rule", RootTaskID: "root"}
	assert.Equal(t, "root", child.Root())
}
