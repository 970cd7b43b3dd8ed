// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package agentruntime implements the Agent Runtime Adapter (spec
// §4.6): an opaque wrapper around a model-driving session, exposing
// spawn/execute/send/stop/resume/get_conversation_history to the rest
// of the core.
package agentruntime

import (
	"context"
	"fmt"
	"sync"

	"github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sibylhq/sibyl-core/internal/telemetry"
	"github.com/sibylhq/sibyl-core/pkg/types"
)

const defaultMaxTurns = 50

// Config configures an Adapter's connection to an OpenCode server
// instance running on a runner.
type Config struct {
	BaseURL  string
	MaxTurns int // 0 = defaultMaxTurns
}

// Instance is a single spawned agent session. It is not safe for
// concurrent use by more than one caller at a time — an agent has
// exactly one in-flight unit of work, so this holds in practice.
type Instance struct {
	AgentID   string
	SessionID string

	mu       sync.Mutex
	turns    int
	maxTurns int
	stopped  bool
	history  []types.ConversationMessage
}

// Adapter wraps the OpenCode SDK client for one runner's server.
type Adapter struct {
	sdk      *opencode.Client
	baseURL  string
	maxTurns int
}

// NewAdapter creates an Adapter pointed at a specific OpenCode server
// instance. The client is always configured with a concrete base URL
// rather than a shared/global one.
func NewAdapter(cfg Config) *Adapter {
	maxTurns := cfg.MaxTurns
	if maxTurns == 0 {
		maxTurns = defaultMaxTurns
	}
	return &Adapter{
		sdk:      opencode.NewClient(option.WithBaseURL(cfg.BaseURL)),
		baseURL:  cfg.BaseURL,
		maxTurns: maxTurns,
	}
}

// Spawn creates a new session for agentID and returns immediately;
// streaming output begins once Execute is called, per spec §4.6.
func (a *Adapter) Spawn(ctx context.Context, agentID, prompt string, capabilities map[string]struct{}) (*Instance, error) {
	ctx, span := telemetry.StartSpan(ctx, "agentruntime", "Spawn",
		trace.WithAttributes(attribute.String("agent_id", agentID)),
	)
	defer span.End()

	session, err := a.sdk.Session.New(ctx, opencode.SessionNewParams{
		Title: opencode.F(agentID),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session create failed")
		return nil, fmt.Errorf("spawn agent %s: %w", agentID, err)
	}

	inst := &Instance{
		AgentID:   agentID,
		SessionID: session.ID,
		maxTurns:  a.maxTurns,
	}
	return inst, nil
}

// Execute drives the model to completion or a stop condition (including
// the max-turn guard, which is a normal termination, not an error) and
// returns the final message text.
func (a *Adapter) Execute(ctx context.Context, inst *Instance, prompt string) (string, error) {
	return a.Send(ctx, inst, prompt)
}

// Send continues an existing session with a new message.
func (a *Adapter) Send(ctx context.Context, inst *Instance, message string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "agentruntime", "Send",
		trace.WithAttributes(
			attribute.String("agent_id", inst.AgentID),
			attribute.String("session_id", inst.SessionID),
		),
	)
	defer span.End()

	inst.mu.Lock()
	if inst.stopped {
		inst.mu.Unlock()
		return "", fmt.Errorf("agent %s is stopped", inst.AgentID)
	}
	if inst.turns >= inst.maxTurns {
		inst.mu.Unlock()
		telemetry.AddEvent(ctx, "agentruntime.max_turns_reached",
			attribute.String("agent_id", inst.AgentID), attribute.Int("max_turns", inst.maxTurns))
		return "", nil // normal termination, not an error
	}
	inst.turns++
	inst.mu.Unlock()

	resp, err := a.sdk.Session.Prompt(ctx, inst.SessionID, opencode.SessionPromptParams{
		Parts: opencode.F([]opencode.SessionPromptParamsPartUnion{
			opencode.TextPartInputParam{
				Type: opencode.F(opencode.TextPartInputTypeText),
				Text: opencode.F(message),
			},
		}),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prompt failed")
		return "", fmt.Errorf("send to agent %s: %w", inst.AgentID, err)
	}

	var text string
	for _, part := range resp.Parts {
		if part.Type == opencode.PartTypeText {
			text += part.Text
		}
	}

	inst.mu.Lock()
	inst.history = append(inst.history,
		types.ConversationMessage{Role: "user", Content: message},
		types.ConversationMessage{Role: "assistant", Content: text},
	)
	inst.mu.Unlock()

	span.SetStatus(codes.Ok, "prompt completed")
	return text, nil
}

// Stop gracefully terminates inst and records reason for diagnostics.
// The caller is responsible for transitioning the owning Agent to
// terminated (spec §4.6).
func (a *Adapter) Stop(ctx context.Context, inst *Instance, reason string) error {
	ctx, span := telemetry.StartSpan(ctx, "agentruntime", "Stop",
		trace.WithAttributes(attribute.String("agent_id", inst.AgentID), attribute.String("reason", reason)),
	)
	defer span.End()

	inst.mu.Lock()
	inst.stopped = true
	inst.mu.Unlock()

	_, err := a.sdk.Session.Abort(ctx, inst.SessionID, opencode.SessionAbortParams{})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("stop agent %s: %w", inst.AgentID, err)
	}
	return nil
}

// ResumeFromCheckpoint reconstitutes an Instance bound to the session id
// a prior checkpoint recorded, per spec §4.6.
func (a *Adapter) ResumeFromCheckpoint(ctx context.Context, agentID string, cp *types.AgentCheckpoint) (*Instance, error) {
	if cp.SessionID == "" {
		return nil, fmt.Errorf("checkpoint for agent %s has no session id", agentID)
	}
	if _, err := a.sdk.Session.Get(ctx, cp.SessionID, opencode.SessionGetParams{}); err != nil {
		return nil, fmt.Errorf("resume agent %s: session %s not found: %w", agentID, cp.SessionID, err)
	}
	return &Instance{
		AgentID:   agentID,
		SessionID: cp.SessionID,
		maxTurns:  a.maxTurns,
		history:   append([]types.ConversationMessage(nil), cp.ConversationHistory...),
	}, nil
}

// GetConversationHistory returns inst's full message history, in the
// shape the checkpoint store snapshots. The adapter accumulates this
// itself from every Send/Execute call rather than re-querying the
// server, since a session's history is otherwise only available
// message-by-message through the same prompt responses this adapter
// already observes.
func (a *Adapter) GetConversationHistory(ctx context.Context, inst *Instance) ([]types.ConversationMessage, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return append([]types.ConversationMessage(nil), inst.history...), nil
}
