// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package sync implements the State Synchronizer (spec §4.13): a
// best-effort durable mirror of in-memory state, plus the startup
// sweep and the three scheduled reapers that replace cron-style
// scheduling with in-process tickers.
package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sibylhq/sibyl-core/internal/store"
)

// sweepConcurrency bounds how many agents a single sweep reaps/cleans
// at once, so one stalled reaper/cleaner call can't serialize an entire
// sweep behind it.
const sweepConcurrency = 8

const (
	defaultStaleAgentInterval   = time.Minute
	defaultCheckpointGCInterval = 10 * time.Minute
	defaultOrphanJobInterval    = time.Minute
	defaultStaleThreshold       = 5 * time.Minute
)

// StaleAgentReaper lists agents whose status and heartbeat make them
// candidates for the stale-working reaper, and marks one failed.
// Implemented by whichever package owns live Agent records.
type StaleAgentReaper interface {
	ListStaleWorking(ctx context.Context, heartbeatOlderThan time.Duration) ([]string, error)
	MarkFailed(ctx context.Context, agentID, cause string) error
}

// OrphanJobCleaner deletes queued work for agents whose mirrored
// status has gone terminal, so a crashed agent's queue doesn't wait
// forever for a worker that will never come back.
type OrphanJobCleaner interface {
	CancelQueuedJobsForAgent(ctx context.Context, agentID string) (int, error)
	TerminalAgentIDs(ctx context.Context) ([]string, error)
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

func WithStaleAgentInterval(d time.Duration) Option {
	return func(s *Synchronizer) { s.staleAgentInterval = d }
}

func WithCheckpointGCInterval(d time.Duration) Option {
	return func(s *Synchronizer) { s.checkpointGCInterval = d }
}

func WithOrphanJobInterval(d time.Duration) Option {
	return func(s *Synchronizer) { s.orphanJobInterval = d }
}

func WithStaleThreshold(d time.Duration) Option {
	return func(s *Synchronizer) { s.staleThreshold = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// Synchronizer mirrors entity state to the durable store and runs the
// three scheduled sweeps. Start and Stop are idempotent.
type Synchronizer struct {
	db     *store.Store
	logger *slog.Logger

	reaper  StaleAgentReaper
	cleaner OrphanJobCleaner

	staleAgentInterval   time.Duration
	checkpointGCInterval time.Duration
	orphanJobInterval    time.Duration
	staleThreshold       time.Duration
	now                  func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Synchronizer. reaper and cleaner may be nil, in which
// case the corresponding sweep is skipped.
func New(db *store.Store, reaper StaleAgentReaper, cleaner OrphanJobCleaner, logger *slog.Logger, opts ...Option) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Synchronizer{
		db:                   db,
		logger:               logger,
		reaper:               reaper,
		cleaner:              cleaner,
		staleAgentInterval:   defaultStaleAgentInterval,
		checkpointGCInterval: defaultCheckpointGCInterval,
		orphanJobInterval:    defaultOrphanJobInterval,
		staleThreshold:       defaultStaleThreshold,
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mirror best-effort persists a JSON-encodable snapshot for (kind, id).
// A write failure is logged and execution continues, per spec §4.13 —
// the mirror never blocks progress.
func (s *Synchronizer) Mirror(ctx context.Context, kind, id string, state any) {
	payload, err := json.Marshal(state)
	if err != nil {
		s.logger.Error("sync: failed to marshal entity state", "kind", kind, "id", id, "error", err)
		return
	}
	if err := s.db.PutEntityState(ctx, kind, id, string(payload), s.now().Format(time.RFC3339Nano)); err != nil {
		s.logger.Error("sync: failed to mirror entity state", "kind", kind, "id", id, "error", err)
	}
}

// StartupSweep runs the two startup recovery steps from spec §4.13
// synchronously: reaping stale agents, then deleting orphaned jobs for
// agents whose mirrored status is now terminal. Call once, before
// Start, on process boot.
func (s *Synchronizer) StartupSweep(ctx context.Context) {
	s.reapStaleAgents(ctx)
	s.cleanOrphanJobs(ctx)
}

// Start launches the three scheduled sweepers under ctx. Idempotent:
// calling Start while already started is a no-op.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(3)
	go s.runTicker(runCtx, s.staleAgentInterval, s.reapStaleAgents)
	go s.runTicker(runCtx, s.checkpointGCInterval, s.gcCheckpoints)
	go s.runTicker(runCtx, s.orphanJobInterval, s.cleanOrphanJobs)
}

// Stop cancels all sweepers and waits for them to exit. Idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Synchronizer) runTicker(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// reapStaleAgents marks any agent in status working|running|initializing
// with a heartbeat older than the stale threshold as failed with cause
// worker_crashed.
func (s *Synchronizer) reapStaleAgents(ctx context.Context) {
	if s.reaper == nil {
		return
	}
	ids, err := s.reaper.ListStaleWorking(ctx, s.staleThreshold)
	if err != nil {
		s.logger.Error("sync: failed to list stale agents", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, agentID := range ids {
		agentID := agentID
		g.Go(func() error {
			if err := s.reaper.MarkFailed(gctx, agentID, "worker_crashed"); err != nil {
				s.logger.Error("sync: failed to mark stale agent failed", "agent_id", agentID, "error", err)
				return nil
			}
			s.logger.Info("sync: reaped stale agent", "agent_id", agentID)
			return nil
		})
	}
	_ = g.Wait()
}

// cleanOrphanJobs deletes queued jobs for agents whose mirrored status
// is terminal.
func (s *Synchronizer) cleanOrphanJobs(ctx context.Context) {
	if s.cleaner == nil {
		return
	}
	agentIDs, err := s.cleaner.TerminalAgentIDs(ctx)
	if err != nil {
		s.logger.Error("sync: failed to list terminal agents", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, agentID := range agentIDs {
		agentID := agentID
		g.Go(func() error {
			n, err := s.cleaner.CancelQueuedJobsForAgent(gctx, agentID)
			if err != nil {
				s.logger.Error("sync: failed to cancel queued jobs", "agent_id", agentID, "error", err)
				return nil
			}
			if n > 0 {
				s.logger.Info("sync: cancelled orphaned jobs", "agent_id", agentID, "count", n)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// gcCheckpoints trims the durable checkpoints table down to keepCount
// rows per agent, mirroring internal/checkpoint.Store's in-memory
// retention policy at the durable layer (the two can drift apart
// since the mirror write is best-effort and may lag).
func (s *Synchronizer) gcCheckpoints(ctx context.Context) {
	if err := s.db.GCCheckpoints(ctx, defaultCheckpointKeepCount); err != nil {
		s.logger.Error("sync: checkpoint gc failed", "error", err)
	}
}

const defaultCheckpointKeepCount = 5
