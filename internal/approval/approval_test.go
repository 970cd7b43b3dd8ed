package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

type fakeResumer struct {
	mu        sync.Mutex
	resumed   map[string]string // agentID -> outcome
	terminated map[string]string // agentID -> reason
}

func newFakeResumer() *fakeResumer {
	return &fakeResumer{resumed: make(map[string]string), terminated: make(map[string]string)}
}

func (f *fakeResumer) Resume(ctx context.Context, agentID, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed[agentID] = outcome
	return nil
}

func (f *fakeResumer) Terminate(ctx context.Context, agentID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated[agentID] = reason
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRequestCreatesPendingApproval(t *testing.T) {
	q := New(newFakeResumer(), nil)
	a, err := q.Request("agent-1", "delete prod table", "DROP TABLE users")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, a.Status)
	assert.Equal(t, "agent-1", a.AgentID)

	id, ok := q.PendingForAgent("agent-1")
	require.True(t, ok)
	assert.Equal(t, a.ID, id)
}

func TestRequestRejectsSecondPendingForSameAgent(t *testing.T) {
	q := New(newFakeResumer(), nil)
	_, err := q.Request("agent-1", "action one", "diff one")
	require.NoError(t, err)

	_, err = q.Request("agent-1", "action two", "diff two")
	assert.Error(t, err)
}

func TestDecideApprovedResumesAgent(t *testing.T) {
	resumer := newFakeResumer()
	q := New(resumer, nil)
	a, err := q.Request("agent-1", "action", "diff")
	require.NoError(t, err)

	require.NoError(t, q.Decide(context.Background(), a.ID, true, "alice"))

	got, err := q.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, got.Status)
	assert.Equal(t, "alice", got.DecidedBy)
	assert.NotNil(t, got.DecidedAt)

	resumer.mu.Lock()
	outcome, ok := resumer.resumed["agent-1"]
	resumer.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "approved", outcome)

	_, stillPending := q.PendingForAgent("agent-1")
	assert.False(t, stillPending)
}

func TestDecideDeniedTerminatesAgent(t *testing.T) {
	resumer := newFakeResumer()
	q := New(resumer, nil)
	a, err := q.Request("agent-1", "action", "diff")
	require.NoError(t, err)

	require.NoError(t, q.Decide(context.Background(), a.ID, false, "alice"))

	got, err := q.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalDenied, got.Status)

	resumer.mu.Lock()
	_, terminated := resumer.terminated["agent-1"]
	resumer.mu.Unlock()
	assert.True(t, terminated)
}

func TestDecideOnAlreadyDecidedApprovalFails(t *testing.T) {
	q := New(newFakeResumer(), nil)
	a, err := q.Request("agent-1", "action", "diff")
	require.NoError(t, err)
	require.NoError(t, q.Decide(context.Background(), a.ID, true, "alice"))

	err = q.Decide(context.Background(), a.ID, true, "bob")
	assert.Error(t, err)
}

func TestDecideUnknownApprovalReturnsError(t *testing.T) {
	q := New(newFakeResumer(), nil)
	err := q.Decide(context.Background(), "nope", true, "alice")
	assert.Error(t, err)
}

func TestExpirePendingTerminatesTimedOutAgent(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := base
	resumer := newFakeResumer()
	q := New(resumer, nil, WithTimeout(time.Hour), WithClock(func() time.Time { return clock }))

	a, err := q.Request("agent-1", "action", "diff")
	require.NoError(t, err)

	clock = base.Add(2 * time.Hour)
	expired := q.ExpirePending(context.Background())
	assert.Equal(t, []string{"agent-1"}, expired)

	got, err := q.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalExpired, got.Status)

	resumer.mu.Lock()
	_, terminated := resumer.terminated["agent-1"]
	resumer.mu.Unlock()
	assert.True(t, terminated)

	_, stillPending := q.PendingForAgent("agent-1")
	assert.False(t, stillPending)
}

func TestExpirePendingLeavesFreshApprovalsAlone(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	q := New(newFakeResumer(), nil, WithTimeout(time.Hour), WithClock(fixedClock(base)))

	_, err := q.Request("agent-1", "action", "diff")
	require.NoError(t, err)

	expired := q.ExpirePending(context.Background())
	assert.Empty(t, expired)
}
