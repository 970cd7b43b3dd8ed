package agentruntime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

func TestSendReturnsEmptyWithoutErrorWhenMaxTurnsReached(t *testing.T) {
	a := &Adapter{maxTurns: defaultMaxTurns}
	inst := &Instance{AgentID: "agent-1", SessionID: "session-1", maxTurns: 1, turns: 1}

	text, err := a.Send(context.Background(), inst, "keep going")

	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestSendReturnsErrorWhenStopped(t *testing.T) {
	a := &Adapter{maxTurns: defaultMaxTurns}
	inst := &Instance{AgentID: "agent-1", SessionID: "session-1", maxTurns: 5, stopped: true}

	_, err := a.Send(context.Background(), inst, "hello")

	assert.Error(t, err)
}

func TestGetConversationHistoryReturnsCopyNotAlias(t *testing.T) {
	a := &Adapter{}
	inst := &Instance{
		AgentID: "agent-1",
		history: []types.ConversationMessage{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	}

	got, err := a.GetConversationHistory(context.Background(), inst)
	require.NoError(t, err)
	require.Len(t, got, 2)

	got[0].Content = "mutated"
	assert.Equal(t, "hi", inst.history[0].Content)
}

func TestGetConversationHistoryEmptyInstanceReturnsEmpty(t *testing.T) {
	a := &Adapter{}
	inst := &Instance{AgentID: "agent-1"}

	got, err := a.GetConversationHistory(context.Background(), inst)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResumeFromCheckpointRequiresSessionID(t *testing.T) {
	a := &Adapter{maxTurns: defaultMaxTurns}
	cp := &types.AgentCheckpoint{AgentID: "agent-1"}

	_, err := a.ResumeFromCheckpoint(context.Background(), "agent-1", cp)

	assert.Error(t, err)
}
