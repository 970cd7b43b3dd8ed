// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Command sibyl-server runs the Sibyl control plane: the control-plane
// API, the runner gateway, the state synchronizer's background sweeps,
// and every domain component they're built from.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sibylhq/sibyl-core/internal/agentruntime"
	"github.com/sibylhq/sibyl-core/internal/agentstore"
	"github.com/sibylhq/sibyl-core/internal/api"
	"github.com/sibylhq/sibyl-core/internal/approval"
	"github.com/sibylhq/sibyl-core/internal/checkpoint"
	"github.com/sibylhq/sibyl-core/internal/config"
	"github.com/sibylhq/sibyl-core/internal/gates"
	"github.com/sibylhq/sibyl-core/internal/gateway"
	"github.com/sibylhq/sibyl-core/internal/messagebus"
	"github.com/sibylhq/sibyl-core/internal/metricsx"
	"github.com/sibylhq/sibyl-core/internal/registry"
	"github.com/sibylhq/sibyl-core/internal/sandbox"
	"github.com/sibylhq/sibyl-core/internal/store"
	"github.com/sibylhq/sibyl-core/internal/sync"
	"github.com/sibylhq/sibyl-core/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a sibyl-core YAML config file; defaults built in when omitted")
	opencodeURL := flag.String("opencode-url", "http://localhost:4096", "base URL of the OpenCode server driving agent sessions")
	apiTokens := flag.String("api-tokens", "dev-token:dev-org:owner", "comma-separated token:org:role triples for control-plane auth")
	gatewayTokens := flag.String("gateway-tokens", "dev-token:dev-org", "comma-separated token:org pairs for the runner gateway")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := telemetry.NewTracerProvider(ctx, &telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		CollectorURL: cfg.Telemetry.CollectorURL,
		Environment:  cfg.Telemetry.Environment,
		SamplingRate: cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Warn("telemetry disabled: failed to start tracer provider", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracerProvider.Shutdown(shutdownCtx)
		}()
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open durable store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	reg := registry.New(logger)
	agents := agentstore.New(logger)
	bus := messagebus.New()
	gateRunner := gates.NewRunner(gates.Config{})
	metrics := metricsx.New()

	adapter := agentruntime.NewAdapter(agentruntime.Config{BaseURL: *opencodeURL})
	runtime := newRuntimeWorker(adapter)
	checkpoints := checkpoint.New(runtime)
	resumer := newApprovalResumer(agents, checkpoints, adapter, runtime)
	approvals := approval.New(resumer, logger)

	sandboxMgr, err := sandbox.New()
	if err != nil {
		logger.Warn("sandbox runner management disabled: docker client unavailable", "error", err)
	} else {
		defer sandboxMgr.Close()
	}

	auth := newStaticTokenAuth(parseAPITokens(*apiTokens))
	gwAuth := newGatewayTokenAuth(parseGatewayTokens(*gatewayTokens))
	dispatcher := newGatewayDispatcher(agents, logger)

	hub := gateway.New(reg, dispatcher, gwAuth, logger, gateway.WithHeartbeatInterval(cfg.Gateway.HeartbeatInterval()))
	hub.Start(ctx)
	defer hub.Stop()

	synchronizer := sync.New(db, agents, newOrphanJobCleaner(agents), logger,
		sync.WithStaleAgentInterval(cfg.Sync.StaleAgentInterval()),
		sync.WithCheckpointGCInterval(cfg.Sync.CheckpointGCInterval()),
		sync.WithOrphanJobInterval(cfg.Sync.OrphanJobInterval()),
		sync.WithStaleThreshold(cfg.Sync.StaleThreshold()),
	)
	synchronizer.StartupSweep(ctx)
	synchronizer.Start(ctx)
	defer synchronizer.Stop()

	apiServer := api.New(ctx, reg, agents, bus, approvals, checkpoints, runtime, gateRunner, metrics, auth, logger)
	mux := apiServer.Router()

	mux.Handle("/metrics", metrics.Handler())
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	rh := &rolloutHandler{auth: auth, features: rolloutConfigsFrom(cfg.Rollout)}
	mux.Get("/internal/rollout/{feature}", rh.handle)

	if sandboxMgr != nil {
		sh := &sandboxHandler{auth: auth, manager: sandboxMgr, reg: reg}
		mux.Post("/internal/sandbox/start", sh.handleStart)
		mux.Post("/internal/sandbox/{runnerID}/stop", sh.handleStop)
		mux.Get("/internal/sandbox/{runnerID}/logs", sh.handleLogs)
	}

	gatewayMux := chi.NewRouter()
	gatewayMux.Get("/ws", hub.ServeWS)

	apiHTTP := &http.Server{Addr: cfg.Server.APIAddress, Handler: mux}
	gatewayHTTP := &http.Server{Addr: cfg.Server.GatewayAddress, Handler: gatewayMux}

	go func() {
		logger.Info("control-plane API listening", "address", cfg.Server.APIAddress)
		if err := apiHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control-plane API stopped", "error", err)
		}
	}()
	go func() {
		logger.Info("runner gateway listening", "address", cfg.Server.GatewayAddress)
		if err := gatewayHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("runner gateway stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = apiHTTP.Shutdown(shutdownCtx)
	_ = gatewayHTTP.Shutdown(shutdownCtx)
}
