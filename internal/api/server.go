// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package api implements the Control-Plane API (spec §6.2): the
// synchronous request/response surface every client (CLI, dashboard,
// CI integration) uses to drive Runners, TaskOrchestrators,
// MetaOrchestrators, Agents, inter-agent messaging and quality gates.
package api

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/sibylhq/sibyl-core/internal/agentstore"
	"github.com/sibylhq/sibyl-core/internal/approval"
	"github.com/sibylhq/sibyl-core/internal/checkpoint"
	"github.com/sibylhq/sibyl-core/internal/gates"
	"github.com/sibylhq/sibyl-core/internal/messagebus"
	"github.com/sibylhq/sibyl-core/internal/metaorch"
	"github.com/sibylhq/sibyl-core/internal/metricsx"
	"github.com/sibylhq/sibyl-core/internal/registry"
	"github.com/sibylhq/sibyl-core/internal/taskorch"
)

// Server holds every component the control-plane API fronts. It owns
// no domain logic of its own beyond request validation, role checks and
// response shaping; every named §6.2 operation delegates to the
// package that actually implements it.
type Server struct {
	registry    *registry.Registry
	agents      *agentstore.Store
	bus         *messagebus.Bus
	approvals   *approval.Queue
	checkpoints *checkpoint.Store
	gateRunner  *gates.Runner
	worker      taskorch.Worker
	metrics     *metricsx.Metrics
	auth        Authenticator
	logger      *slog.Logger

	// baseCtx governs every long-lived dispatch loop this Server starts
	// (MetaOrchestrators). Cancelling it stops every such loop; it is
	// independent of any single HTTP request's context.
	baseCtx context.Context

	mu            sync.RWMutex
	orchestrators map[string]*taskorch.Orchestrator    // TaskOrchestrator id -> instance
	metas         map[string]*metaorch.MetaOrchestrator // MetaOrchestrator id -> instance
	metaByProject map[string]string                     // project id -> MetaOrchestrator id
}

// New creates a Server. worker drives the implement phase of every
// TaskOrchestrator created through this API; it is built by the caller
// (cmd/sibyl-server) from internal/agentruntime and internal/checkpoint
// so this package never depends on the agent runtime directly.
func New(ctx context.Context, reg *registry.Registry, agents *agentstore.Store, bus *messagebus.Bus, approvals *approval.Queue,
	checkpoints *checkpoint.Store, worker taskorch.Worker, gateRunner *gates.Runner, metrics *metricsx.Metrics,
	auth Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{
		registry:      reg,
		agents:        agents,
		bus:           bus,
		approvals:     approvals,
		checkpoints:   checkpoints,
		gateRunner:    gateRunner,
		worker:        worker,
		metrics:       metrics,
		auth:          auth,
		logger:        logger,
		baseCtx:       ctx,
		orchestrators: make(map[string]*taskorch.Orchestrator),
		metas:         make(map[string]*metaorch.MetaOrchestrator),
		metaByProject: make(map[string]string),
	}
}

// Router builds the chi.Mux exposing every §6.2 operation under /api,
// gated by the authentication middleware.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/runners", func(r chi.Router) {
			r.Post("/", s.handleRegisterRunner)
			r.Get("/", s.handleListRunners)
			r.Post("/route", s.handleRouteTask)
			r.Post("/scores", s.handleScoreTask)
			r.Get("/{runnerID}", s.handleGetRunner)
			r.Post("/{runnerID}/status", s.handleSetRunnerStatus)
			r.Delete("/{runnerID}", s.handleRemoveRunner)
		})

		r.Route("/orchestrators", func(r chi.Router) {
			r.Post("/", s.handleCreateOrchestrator)
			r.Get("/{orchestratorID}", s.handleGetOrchestrator)
			r.Post("/{orchestratorID}/start", s.handleStartOrchestrator)
			r.Post("/{orchestratorID}/approve_review", s.handleApproveReview)
			r.Post("/{orchestratorID}/request_rework", s.handleRequestRework)
			r.Post("/{orchestratorID}/cancel", s.handleCancelOrchestrator)
		})

		r.Route("/meta-orchestrators", func(r chi.Router) {
			r.Post("/", s.handleGetOrCreateMeta)
			r.Get("/{metaID}", s.handleGetMeta)
			r.Post("/{metaID}/queue_tasks", s.handleQueueTasks)
			r.Post("/{metaID}/set_strategy", s.handleSetStrategy)
			r.Post("/{metaID}/set_budget", s.handleSetBudget)
			r.Post("/{metaID}/pause", s.handlePauseMeta)
			r.Post("/{metaID}/resume", s.handleResumeMeta)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListActiveAgents)
			r.Get("/{agentID}", s.handleGetAgent)
			r.Post("/{agentID}/stop", s.handleStopAgent)
			r.Post("/{agentID}/checkpoint", s.handleCheckpointAgent)
			r.Post("/{agentID}/restore", s.handleRestoreAgent)
			r.Post("/{agentID}/promote", s.handlePromoteAgent)
			r.Post("/{agentID}/demote", s.handleDemoteAgent)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", s.handleSendMessage)
			r.Get("/", s.handleFetchMessages)
			r.Post("/{messageID}/read", s.handleMarkRead)
			r.Post("/{messageID}/respond", s.handleRespondMessage)
		})

		r.Route("/gates", func(r chi.Router) {
			r.Post("/run", s.handleRunGate)
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", s.handleRequestApproval)
			r.Get("/{approvalID}", s.handleGetApproval)
			r.Post("/{approvalID}/decide", s.handleDecideApproval)
		})
	})

	return r
}
