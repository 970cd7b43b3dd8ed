// Package checkpoint implements the Checkpoint Store (spec §4.7):
// snapshotting an agent's conversation and workspace diff so execution
// can resume after a crash.
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bitfield/script"
	"github.com/google/uuid"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

const (
	defaultDiffCap   = 100 * 1024 // bytes
	defaultKeepCount = 5
	truncationMarker = "\n... [diff truncated]\n"
)

// Snapshotter captures what the agent runtime adapter currently knows
// about a session; the checkpoint store has no opinion on how this data
// was produced.
type Snapshotter interface {
	ConversationHistory(ctx context.Context, agentID string) ([]types.ConversationMessage, error)
	// SessionID returns the runtime's opaque session id for agentID, so
	// it can be recorded on the checkpoint and later used to resume.
	SessionID(ctx context.Context, agentID string) (string, error)
}

// Store keeps AgentCheckpoint records in process memory, keyed by agent
// id, guarded the same way as internal/registry. It does not write
// through internal/store, so checkpoints do not survive a restart.
type Store struct {
	mu        sync.RWMutex
	byAgent   map[string][]*types.AgentCheckpoint // ordered oldest -> newest
	snapshot  Snapshotter
	diffCap   int
	keepCount int
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithDiffCap(bytes int) Option {
	return func(s *Store) { s.diffCap = bytes }
}

func WithKeepCount(n int) Option {
	return func(s *Store) { s.keepCount = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store backed by the given Snapshotter.
func New(snapshot Snapshotter, opts ...Option) *Store {
	s := &Store{
		byAgent:   make(map[string][]*types.AgentCheckpoint),
		snapshot:  snapshot,
		diffCap:   defaultDiffCap,
		keepCount: defaultKeepCount,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Checkpoint captures a new snapshot of agentID's session, per spec §4.7
// steps 1-6: conversation snapshot, workspace diff vs HEAD (truncated),
// persisted as the new latest, with GC beyond keepCount.
func (s *Store) Checkpoint(ctx context.Context, agentID, workspacePath, currentStep, pendingApprovalID string) (*types.AgentCheckpoint, error) {
	history, err := s.snapshot.ConversationHistory(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("snapshot conversation history: %w", err)
	}

	sessionID, err := s.snapshot.SessionID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("snapshot session id: %w", err)
	}

	modified, err := modifiedFiles(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("query workspace status: %w", err)
	}

	diff, err := diffAgainstHEAD(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("diff workspace against HEAD: %w", err)
	}
	truncated := false
	if len(diff) > s.diffCap {
		diff = diff[:s.diffCap] + truncationMarker
		truncated = true
	}

	cp := &types.AgentCheckpoint{
		ID:                  uuid.NewString(),
		AgentID:             agentID,
		SessionID:           sessionID,
		ConversationHistory: history,
		FilesModified:       modified,
		UncommittedDiff:     diff,
		DiffTruncated:       truncated,
		CurrentStep:         currentStep,
		PendingApprovalID:   pendingApprovalID,
		CreatedAt:           s.now(),
		IsLatest:            true,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.byAgent[agentID]
	for _, prev := range existing {
		prev.IsLatest = false
	}
	existing = append(existing, cp)

	if len(existing) > s.keepCount {
		sort.Slice(existing, func(i, j int) bool { return existing[i].CreatedAt.Before(existing[j].CreatedAt) })
		drop := len(existing) - s.keepCount
		existing = existing[drop:]
	}
	s.byAgent[agentID] = existing

	return cp, nil
}

// RestoreResult is the outcome of restoring an agent from its latest
// checkpoint, per spec §4.7.
type RestoreResult struct {
	Checkpoint            *types.AgentCheckpoint
	WorkspacePath         string
	SessionID             string
	PendingApprovalID     string
	HasUncommittedChanges bool
}

// Latest returns agentID's most recent checkpoint, or nil if none exists.
func (s *Store) Latest(agentID string) *types.AgentCheckpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byAgent[agentID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Restore builds a RestoreResult from agentID's latest checkpoint, per
// spec §4.7: rejects a checkpoint with no session id (cannot resume),
// and reports an empty workspace_path if the path no longer exists —
// the orchestrator is then responsible for recreating it before resume.
func (s *Store) Restore(agentID, workspacePath string) (*RestoreResult, error) {
	cp := s.Latest(agentID)
	if cp == nil {
		return nil, types.NotFound("checkpoint", agentID)
	}
	if cp.SessionID == "" {
		return nil, types.Validationf("checkpoint for agent %s has no session id, cannot resume", agentID)
	}

	if _, err := os.Stat(workspacePath); err != nil {
		workspacePath = ""
	}

	return &RestoreResult{
		Checkpoint:            cp,
		WorkspacePath:         workspacePath,
		SessionID:             cp.SessionID,
		PendingApprovalID:     cp.PendingApprovalID,
		HasUncommittedChanges: len(cp.FilesModified) > 0,
	}, nil
}

// modifiedFiles runs `git status --porcelain` and returns the changed
// paths, using bitfield/script for the one-shot command-to-lines call.
func modifiedFiles(workspacePath string) ([]string, error) {
	lines, err := script.Exec("git -C " + shellQuote(workspacePath) + " status --porcelain").Slice()
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range lines {
		if len(line) < 4 {
			continue
		}
		files = append(files, strings.TrimSpace(line[3:]))
	}
	return files, nil
}

// diffAgainstHEAD runs `git diff HEAD` and returns the raw diff text.
func diffAgainstHEAD(workspacePath string) (string, error) {
	out, err := script.Exec("git -C " + shellQuote(workspacePath) + " diff HEAD").String()
	if err != nil {
		return "", err
	}
	return out, nil
}

// shellQuote wraps a path in single quotes for safe inclusion in the
// command string bitfield/script hands to the shell.
func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}
