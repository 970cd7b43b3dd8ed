package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl-core/internal/agentruntime"
	"github.com/sibylhq/sibyl-core/internal/agentstore"
	"github.com/sibylhq/sibyl-core/internal/checkpoint"
	"github.com/sibylhq/sibyl-core/pkg/types"
)

type noopSnapshotter struct{}

func (noopSnapshotter) ConversationHistory(ctx context.Context, agentID string) ([]types.ConversationMessage, error) {
	return nil, nil
}

func (noopSnapshotter) SessionID(ctx context.Context, agentID string) (string, error) {
	return "", nil
}

// fakeRuntimeSnapshotter stands in for the runtime's own session id, the
// way runtimeWorker.SessionID would report it for a live instance.
type fakeRuntimeSnapshotter struct {
	sessionID string
}

func (f *fakeRuntimeSnapshotter) ConversationHistory(ctx context.Context, agentID string) ([]types.ConversationMessage, error) {
	return nil, nil
}

func (f *fakeRuntimeSnapshotter) SessionID(ctx context.Context, agentID string) (string, error) {
	return f.sessionID, nil
}

// fakeCheckpointResumer substitutes for *agentruntime.Adapter so the
// checkpoint -> resume -> send round trip can be exercised without a
// live OpenCode server.
type fakeCheckpointResumer struct {
	resumedCheckpoint *types.AgentCheckpoint
	sentMessage       string
}

func (f *fakeCheckpointResumer) ResumeFromCheckpoint(ctx context.Context, agentID string, cp *types.AgentCheckpoint) (*agentruntime.Instance, error) {
	if cp.SessionID == "" {
		return nil, assert.AnError
	}
	f.resumedCheckpoint = cp
	return &agentruntime.Instance{AgentID: agentID, SessionID: cp.SessionID}, nil
}

func (f *fakeCheckpointResumer) Send(ctx context.Context, inst *agentruntime.Instance, message string) (string, error) {
	f.sentMessage = message
	return "ack", nil
}

func TestResumeUnknownAgentReturnsError(t *testing.T) {
	agents := agentstore.New(nil)
	checkpoints := checkpoint.New(noopSnapshotter{})
	adapter := &agentruntime.Adapter{}
	runtime := newRuntimeWorker(adapter)
	r := newApprovalResumer(agents, checkpoints, adapter, runtime)

	err := r.Resume(context.Background(), "does-not-exist", "approved")
	assert.Error(t, err)
}

func TestResumeWithoutCheckpointReturnsError(t *testing.T) {
	agents := agentstore.New(nil)
	agent, err := agents.Spawn("org-1", "proj-1", "task-1", "", "", "/work")
	require.NoError(t, err)

	checkpoints := checkpoint.New(noopSnapshotter{})
	adapter := &agentruntime.Adapter{}
	runtime := newRuntimeWorker(adapter)
	r := newApprovalResumer(agents, checkpoints, adapter, runtime)

	err = r.Resume(context.Background(), agent.ID, "approved")
	assert.Error(t, err)
}

func TestResumeRoundTripsCheckpointToSend(t *testing.T) {
	dir := t.TempDir()
	cmd := exec.Command("git", "init")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())
	exec.Command("git", "-C", dir, "config", "user.name", "Test User").Run()
	exec.Command("git", "-C", dir, "config", "user.email", "test@example.com").Run()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test"), 0o644))
	exec.Command("git", "-C", dir, "add", ".").Run()
	exec.Command("git", "-C", dir, "commit", "-m", "initial").Run()

	agents := agentstore.New(nil)
	agent, err := agents.Spawn("org-1", "proj-1", "task-1", "", "", dir)
	require.NoError(t, err)

	snapshot := &fakeRuntimeSnapshotter{sessionID: "session-abc"}
	checkpoints := checkpoint.New(snapshot)
	cp, err := checkpoints.Checkpoint(context.Background(), agent.ID, dir, "awaiting approval", "approval-1")
	require.NoError(t, err)
	require.Equal(t, "session-abc", cp.SessionID)

	resumer := &fakeCheckpointResumer{}
	adapter := &agentruntime.Adapter{}
	runtime := newRuntimeWorker(adapter)
	r := newApprovalResumer(agents, checkpoints, resumer, runtime)

	require.NoError(t, r.Resume(context.Background(), agent.ID, "approved"))

	require.NotNil(t, resumer.resumedCheckpoint)
	assert.Equal(t, "session-abc", resumer.resumedCheckpoint.SessionID)
	assert.Equal(t, "approved", resumer.sentMessage)

	got, err := agents.GetByID(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentWorking, got.Status)
}

func TestTerminateMarksAgentFailed(t *testing.T) {
	agents := agentstore.New(nil)
	agent, err := agents.Spawn("org-1", "proj-1", "task-1", "", "", "/work")
	require.NoError(t, err)

	checkpoints := checkpoint.New(noopSnapshotter{})
	adapter := &agentruntime.Adapter{}
	runtime := newRuntimeWorker(adapter)
	r := newApprovalResumer(agents, checkpoints, adapter, runtime)

	require.NoError(t, r.Terminate(context.Background(), agent.ID, "approval denied"))

	got, err := agents.GetByID(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", string(got.Status))
}
