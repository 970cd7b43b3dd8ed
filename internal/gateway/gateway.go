// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package gateway implements the Runner Gateway (spec §4.2): one
// bidirectional WebSocket channel per runner, carrying the core-level
// message types in both directions.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sibylhq/sibyl-core/internal/registry"
	"github.com/sibylhq/sibyl-core/pkg/types"
)

// Inbound/outbound message type discriminants, per spec §4.2's table.
const (
	TypeStatus           = "status"
	TypeHeartbeatAck     = "heartbeat_ack"
	TypeProjectRegister  = "project_register"
	TypeAgentUpdate      = "agent_update"
	TypeTaskComplete     = "task_complete"
	TypeError            = "error"
	TypeHeartbeat        = "heartbeat"
	TypeTaskAssign       = "task_assign"
	TypeAgentCancel      = "agent_cancel"
	TypeAgentResume      = "agent_resume"
	TypeShutdown         = "shutdown"
)

// Message is the wire envelope: a type discriminant plus a
// type-specific JSON payload.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type statusPayload struct {
	Status     string `json:"status"`
	AgentCount int    `json:"agent_count"`
}

type projectRegisterPayload struct {
	ProjectID string `json:"project_id"`
	Path      string `json:"path"`
	Branch    string `json:"branch"`
}

// AgentUpdate is the runner->core agent_update payload.
type AgentUpdate struct {
	AgentID  string  `json:"agent_id"`
	Status   string  `json:"status"`
	Progress int     `json:"progress"`
	Activity string  `json:"activity"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// TaskComplete is the runner->core task_complete payload.
type TaskComplete struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result"`
}

// RunnerError is the runner->core error payload.
type RunnerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskAssign is the core->runner task_assign payload.
type TaskAssign struct {
	TaskID               string         `json:"task_id"`
	ProjectID            string         `json:"project_id"`
	Prompt               string         `json:"prompt"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Config               map[string]any `json:"config,omitempty"`
}

// AgentCancel is the core->runner agent_cancel payload.
type AgentCancel struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// AgentResume is the core->runner agent_resume payload.
type AgentResume struct {
	AgentID       string `json:"agent_id"`
	CheckpointRef string `json:"checkpoint_ref"`
}

// Authenticator validates a bearer token presented at channel open and
// resolves it to the (organization, runner) it is scoped to.
type Authenticator interface {
	Authenticate(token string) (organizationID, runnerID string, ok bool)
}

// Dispatcher receives runner-originated events the gateway itself has
// no opinion on (agent lifecycle, task completion, error reporting),
// keeping the gateway decoupled from taskorch/agentruntime.
type Dispatcher interface {
	AgentUpdate(organizationID, runnerID string, update AgentUpdate)
	TaskComplete(organizationID, runnerID string, result TaskComplete)
	RunnerError(organizationID, runnerID string, errPayload RunnerError)
}

// Option configures a Hub.
type Option func(*Hub)

func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Hub) { h.heartbeatInterval = d }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

const defaultHeartbeatInterval = 30 * time.Second

// conn is one runner's live WebSocket connection.
type conn struct {
	ws             *websocket.Conn
	send           chan []byte
	organizationID string
	runnerID       string
}

// Hub owns every connected runner's channel, bridging inbound frames to
// the Registry and Dispatcher, and outbound commands from the core to
// a specific runner's channel.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn // runnerID -> conn

	registry   *registry.Registry
	dispatcher Dispatcher
	auth       Authenticator
	logger     *slog.Logger

	heartbeatInterval time.Duration
	now               func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Hub. Call Start to begin the periodic heartbeat probe.
func New(reg *registry.Registry, dispatcher Dispatcher, auth Authenticator, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		conns:             make(map[string]*conn),
		registry:          reg,
		dispatcher:        dispatcher,
		auth:              auth,
		logger:            logger,
		heartbeatInterval: defaultHeartbeatInterval,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start begins the periodic core->runner heartbeat probe under ctx.
func (h *Hub) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				h.broadcastHeartbeat()
			}
		}
	}()
}

// Stop cancels the heartbeat probe and closes every connection.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.ws.Close(websocket.StatusGoingAway, "server shutdown")
	}
}

func (h *Hub) broadcastHeartbeat() {
	data, err := encode(TypeHeartbeat, nil)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		select {
		case c.send <- data:
		default:
		}
	}
}

// ServeWS upgrades r to a WebSocket connection, authenticates the
// bearer token, and (on success) registers the runner online and
// begins its read/write pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	organizationID, runnerID, ok := h.auth.Authenticate(token)

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Error("gateway: ws accept failed", "error", err)
		return
	}
	if !ok {
		ws.Close(websocket.StatusPolicyViolation, "invalid or unscoped token")
		return
	}

	c := &conn{ws: ws, send: make(chan []byte, 256), organizationID: organizationID, runnerID: runnerID}

	if err := h.registry.UpdateStatus(organizationID, runnerID, types.RunnerOnline); err != nil {
		h.logger.Error("gateway: failed to mark runner online", "runner_id", runnerID, "error", err)
		ws.Close(websocket.StatusInternalError, "runner registry error")
		return
	}
	_ = h.registry.Heartbeat(organizationID, runnerID, 0, "")

	h.register(c)
	defer h.unregister(c)

	ctx := r.Context()
	go h.writePump(ctx, c)
	h.readPump(ctx, c)
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.runnerID] = c
	h.logger.Info("gateway: runner connected", "runner_id", c.runnerID, "org_id", c.organizationID)
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if existing, ok := h.conns[c.runnerID]; ok && existing == c {
		delete(h.conns, c.runnerID)
		close(c.send)
	}
	h.mu.Unlock()

	if err := h.registry.UpdateStatus(c.organizationID, c.runnerID, types.RunnerOffline); err != nil {
		h.logger.Error("gateway: failed to mark runner offline", "runner_id", c.runnerID, "error", err)
	}
	h.logger.Info("gateway: runner disconnected", "runner_id", c.runnerID)
}

func (h *Hub) readPump(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Error("gateway: failed to unmarshal frame", "runner_id", c.runnerID, "error", err)
			continue
		}
		h.handleInbound(c, msg)
	}
}

func (h *Hub) writePump(ctx context.Context, c *conn) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) handleInbound(c *conn, msg Message) {
	switch msg.Type {
	case TypeStatus:
		var p statusPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		status := types.RunnerStatus(p.Status)
		if status.IsValid() {
			_ = h.registry.UpdateStatus(c.organizationID, c.runnerID, status)
		}
		_ = h.registry.Heartbeat(c.organizationID, c.runnerID, p.AgentCount, "")

	case TypeHeartbeatAck:
		_ = h.registry.Heartbeat(c.organizationID, c.runnerID, currentAgentCountOrZero(h.registry, c), "")

	case TypeProjectRegister:
		var p projectRegisterPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		_ = h.registry.RegisterWarmWorkspace(c.organizationID, c.runnerID, p.ProjectID, p.Path, p.Branch)

	case TypeAgentUpdate:
		var p AgentUpdate
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if h.dispatcher != nil {
			h.dispatcher.AgentUpdate(c.organizationID, c.runnerID, p)
		}

	case TypeTaskComplete:
		var p TaskComplete
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if h.dispatcher != nil {
			h.dispatcher.TaskComplete(c.organizationID, c.runnerID, p)
		}

	case TypeError:
		var p RunnerError
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if h.dispatcher != nil {
			h.dispatcher.RunnerError(c.organizationID, c.runnerID, p)
		}

	default:
		h.logger.Debug("gateway: unknown message type", "type", msg.Type, "runner_id", c.runnerID)
	}
}

func currentAgentCountOrZero(reg *registry.Registry, c *conn) int {
	run, err := reg.Get(c.organizationID, c.runnerID)
	if err != nil {
		return 0
	}
	return run.CurrentAgentCount
}

// SendTaskAssign pushes a task_assign message to runnerID's channel.
func (h *Hub) SendTaskAssign(runnerID string, payload TaskAssign) error {
	return h.send(runnerID, TypeTaskAssign, payload)
}

// SendAgentCancel pushes an agent_cancel message to runnerID's channel.
func (h *Hub) SendAgentCancel(runnerID string, payload AgentCancel) error {
	return h.send(runnerID, TypeAgentCancel, payload)
}

// SendAgentResume pushes an agent_resume message to runnerID's channel.
func (h *Hub) SendAgentResume(runnerID string, payload AgentResume) error {
	return h.send(runnerID, TypeAgentResume, payload)
}

// SendShutdown pushes a shutdown message to runnerID's channel.
func (h *Hub) SendShutdown(runnerID string) error {
	return h.send(runnerID, TypeShutdown, nil)
}

func (h *Hub) send(runnerID, msgType string, payload any) error {
	data, err := encode(msgType, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	c, ok := h.conns[runnerID]
	h.mu.RUnlock()
	if !ok {
		return types.NotFound("runner connection", runnerID)
	}
	select {
	case c.send <- data:
		return nil
	default:
		return types.Validationf("runner %s's send buffer is full", runnerID)
	}
}

func encode(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Message{Type: msgType, Payload: raw})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

// IsConnected reports whether runnerID currently has a live channel.
func (h *Hub) IsConnected(runnerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[runnerID]
	return ok
}
