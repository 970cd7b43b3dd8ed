package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl-core/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeReaper struct {
	mu      sync.Mutex
	stale   []string
	failed  []string
	listErr error
	markErr error
}

func (f *fakeReaper) ListStaleWorking(ctx context.Context, threshold time.Duration) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stale...), nil
}

func (f *fakeReaper) MarkFailed(ctx context.Context, agentID, cause string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, agentID+":"+cause)
	return nil
}

type fakeCleaner struct {
	mu        sync.Mutex
	terminal  []string
	cancelled map[string]int
}

func newFakeCleaner() *fakeCleaner {
	return &fakeCleaner{cancelled: make(map[string]int)}
}

func (f *fakeCleaner) TerminalAgentIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminal...), nil
}

func (f *fakeCleaner) CancelQueuedJobsForAgent(ctx context.Context, agentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[agentID]++
	return 3, nil
}

func TestMirrorPersistsEntityState(t *testing.T) {
	db := openTestStore(t)
	s := New(db, nil, nil, nil)

	type snapshot struct {
		Status string `json:"status"`
	}
	s.Mirror(context.Background(), "agent", "agent-1", snapshot{Status: "working"})

	payload, ok, err := db.GetEntityState(context.Background(), "agent", "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"working"}`, payload)
}

func TestStartupSweepReapsStaleAgentsAndCleansOrphans(t *testing.T) {
	db := openTestStore(t)
	reaper := &fakeReaper{stale: []string{"agent-1"}}
	cleaner := newFakeCleaner()
	cleaner.terminal = []string{"agent-2"}

	s := New(db, reaper, cleaner, nil)
	s.StartupSweep(context.Background())

	reaper.mu.Lock()
	assert.Equal(t, []string{"agent-1:worker_crashed"}, reaper.failed)
	reaper.mu.Unlock()

	cleaner.mu.Lock()
	assert.Equal(t, 1, cleaner.cancelled["agent-2"])
	cleaner.mu.Unlock()
}

func TestStartupSweepToleratesNilDependencies(t *testing.T) {
	db := openTestStore(t)
	s := New(db, nil, nil, nil)
	assert.NotPanics(t, func() { s.StartupSweep(context.Background()) })
}

func TestStartThenStopRunsSweepersAndStopsCleanly(t *testing.T) {
	db := openTestStore(t)
	reaper := &fakeReaper{stale: []string{"agent-1"}}
	s := New(db, reaper, nil, nil,
		WithStaleAgentInterval(5*time.Millisecond),
		WithCheckpointGCInterval(time.Hour),
		WithOrphanJobInterval(time.Hour),
	)

	s.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		reaper.mu.Lock()
		n := len(reaper.failed)
		reaper.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	s.Stop()

	reaper.mu.Lock()
	assert.NotEmpty(t, reaper.failed)
	reaper.mu.Unlock()
}

func TestStartIsIdempotent(t *testing.T) {
	db := openTestStore(t)
	s := New(db, nil, nil, nil, WithStaleAgentInterval(time.Hour), WithCheckpointGCInterval(time.Hour), WithOrphanJobInterval(time.Hour))
	s.Start(context.Background())
	s.Start(context.Background()) // must not panic or double-spawn
	s.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	db := openTestStore(t)
	s := New(db, nil, nil, nil)
	s.Stop() // never started
	s.Start(context.Background())
	s.Stop()
	s.Stop() // already stopped
}

func TestGCCheckpointsSweepTrimsDurableTable(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("cp-%d", i)
		createdAt := fmt.Sprintf("2026-08-01T00:%02d:00Z", i)
		require.NoError(t, db.PutCheckpoint(ctx, id, "agent-1", `{}`, false, createdAt))
	}
	s := New(db, nil, nil, nil)
	s.gcCheckpoints(ctx)

	n, err := db.CountCheckpoints(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, defaultCheckpointKeepCount, n)
}
