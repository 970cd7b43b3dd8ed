package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl-core/internal/agentstore"
	"github.com/sibylhq/sibyl-core/internal/approval"
	"github.com/sibylhq/sibyl-core/internal/checkpoint"
	"github.com/sibylhq/sibyl-core/internal/gates"
	"github.com/sibylhq/sibyl-core/internal/messagebus"
	"github.com/sibylhq/sibyl-core/internal/registry"
	"github.com/sibylhq/sibyl-core/internal/taskorch"
	"github.com/sibylhq/sibyl-core/pkg/types"
)

type staticAuth struct {
	principal Principal
	fail      bool
}

func (a staticAuth) Authenticate(r *http.Request) (Principal, bool) {
	if a.fail {
		return Principal{}, false
	}
	return a.principal, true
}

type fakeWorker struct{ fail bool }

func (w fakeWorker) Implement(ctx context.Context, workerID string, task types.Task, feedback string) (taskorch.AgentReport, error) {
	if w.fail {
		return taskorch.AgentReport{}, assert.AnError
	}
	return taskorch.AgentReport{TokensUsed: 10, CostUSD: 0.01}, nil
}
func (w fakeWorker) Cancel(ctx context.Context, workerID string) error { return nil }

type nullSnapshotter struct{}

func (nullSnapshotter) ConversationHistory(ctx context.Context, agentID string) ([]types.ConversationMessage, error) {
	return nil, nil
}

func (nullSnapshotter) SessionID(ctx context.Context, agentID string) (string, error) {
	return "", nil
}

func newTestServer(t *testing.T, role Role) (*Server, Principal) {
	t.Helper()
	principal := Principal{OrganizationID: "org-1", Role: role}
	s := New(context.Background(),
		registry.New(nil),
		agentstore.New(nil),
		messagebus.New(),
		approval.New(nil, nil),
		checkpoint.New(nullSnapshotter{}),
		fakeWorker{},
		gates.NewRunner(gates.Config{}),
		nil,
		staticAuth{principal: principal},
		nil,
	)
	return s, principal
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	s, _ := newTestServer(t, RoleMember)
	s.auth = staticAuth{fail: true}
	rec := doRequest(t, s, http.MethodGet, "/api/runners", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRegisterAndListRunners(t *testing.T) {
	s, _ := newTestServer(t, RoleMember)
	rec := doRequest(t, s, http.MethodPost, "/api/runners", registerRunnerRequest{
		Name: "runner-a", Hostname: "host-a", Capabilities: []string{"docker"}, MaxConcurrentAgents: 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created["id"])

	rec = doRequest(t, s, http.MethodGet, "/api/runners", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runners []types.Runner
	decodeBody(t, rec, &runners)
	require.Len(t, runners, 1)
	assert.Equal(t, "runner-a", runners[0].DisplayName)
}

func TestGetUnknownRunnerReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t, RoleMember)
	rec := doRequest(t, s, http.MethodGet, "/api/runners/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetRunnerStatusRequiresAdmin(t *testing.T) {
	s, _ := newTestServer(t, RoleMember)
	rec := doRequest(t, s, http.MethodPost, "/api/runners", registerRunnerRequest{Name: "r", Hostname: "h", MaxConcurrentAgents: 1})
	var created map[string]string
	decodeBody(t, rec, &created)

	rec = doRequest(t, s, http.MethodPost, "/api/runners/"+created["id"]+"/status", setRunnerStatusRequest{Status: types.RunnerOnline})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	s.auth = staticAuth{principal: Principal{OrganizationID: "org-1", Role: RoleAdmin}}
	rec = doRequest(t, s, http.MethodPost, "/api/runners/"+created["id"]+"/status", setRunnerStatusRequest{Status: types.RunnerOnline})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRouteTaskWithNoRunnersFails(t *testing.T) {
	s, _ := newTestServer(t, RoleMember)
	rec := doRequest(t, s, http.MethodPost, "/api/runners/route", routeTaskRequest{Task: routeTaskPayload{ID: "t1", ProjectID: "p1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var result types.RoutingResult
	decodeBody(t, rec, &result)
	assert.True(t, result.Failed)
}

func TestCreateStartAndApproveOrchestrator(t *testing.T) {
	s, _ := newTestServer(t, RoleMember)
	rec := doRequest(t, s, http.MethodPost, "/api/orchestrators", createOrchestratorRequest{
		Task:         routeTaskPayload{ID: "t1", ProjectID: "p1"},
		GateOrder:    []types.GateKind{types.GateHumanReview},
		WorkspaceDir: "/tmp/ws",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var orch types.TaskOrchestrator
	decodeBody(t, rec, &orch)
	require.NotEmpty(t, orch.ID)

	rec = doRequest(t, s, http.MethodPost, "/api/orchestrators/"+orch.ID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec := doRequest(t, s, http.MethodGet, "/api/orchestrators/"+orch.ID, nil)
		var got types.TaskOrchestrator
		decodeBody(t, rec, &got)
		return got.Status == types.OrchestratorWaitingReview
	}, time.Second, 5*time.Millisecond)

	rec = doRequest(t, s, http.MethodPost, "/api/orchestrators/"+orch.ID+"/approve_review", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var approved types.TaskOrchestrator
	decodeBody(t, rec, &approved)
	assert.Equal(t, types.OrchestratorComplete, approved.Status)
}

func TestGetOrCreateMetaIsIdempotentPerProject(t *testing.T) {
	s, _ := newTestServer(t, RoleMember)
	req := getOrCreateMetaRequest{ProjectID: "p1", Strategy: types.StrategySequential, MaxConcurrent: 1}

	rec := doRequest(t, s, http.MethodPost, "/api/meta-orchestrators", req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var first types.MetaOrchestrator
	decodeBody(t, rec, &first)

	rec = doRequest(t, s, http.MethodPost, "/api/meta-orchestrators", req)
	require.Equal(t, http.StatusOK, rec.Code)
	var second types.MetaOrchestrator
	decodeBody(t, rec, &second)

	assert.Equal(t, first.ID, second.ID)
}

func TestSetStrategyAndBudgetOnMeta(t *testing.T) {
	s, _ := newTestServer(t, RoleMember)
	rec := doRequest(t, s, http.MethodPost, "/api/meta-orchestrators", getOrCreateMetaRequest{
		ProjectID: "p1", Strategy: types.StrategySequential, MaxConcurrent: 1,
	})
	var meta types.MetaOrchestrator
	decodeBody(t, rec, &meta)

	s.auth = staticAuth{principal: Principal{OrganizationID: "org-1", Role: RoleAdmin}}
	rec = doRequest(t, s, http.MethodPost, "/api/meta-orchestrators/"+meta.ID+"/set_strategy", setStrategyRequest{Strategy: types.StrategyPriority})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated types.MetaOrchestrator
	decodeBody(t, rec, &updated)
	assert.Equal(t, types.StrategyPriority, updated.Strategy)

	budget := 50.0
	rec = doRequest(t, s, http.MethodPost, "/api/meta-orchestrators/"+meta.ID+"/set_budget", setBudgetRequest{BudgetUSD: &budget, AlertThreshold: 0.9})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &updated)
	require.NotNil(t, updated.BudgetUSD)
	assert.Equal(t, 50.0, *updated.BudgetUSD)
}

func TestPauseAndResumeMeta(t *testing.T) {
	s, _ := newTestServer(t, RoleMember)
	rec := doRequest(t, s, http.MethodPost, "/api/meta-orchestrators", getOrCreateMetaRequest{
		ProjectID: "p1", Strategy: types.StrategySequential, MaxConcurrent: 1,
	})
	var meta types.MetaOrchestrator
	decodeBody(t, rec, &meta)

	rec = doRequest(t, s, http.MethodPost, "/api/meta-orchestrators/"+meta.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var paused types.MetaOrchestrator
	decodeBody(t, rec, &paused)
	assert.Equal(t, types.MetaPaused, paused.Status)

	rec = doRequest(t, s, http.MethodPost, "/api/meta-orchestrators/"+meta.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentPromoteAndDemote(t *testing.T) {
	s, principal := newTestServer(t, RoleMember)
	agent, err := s.agents.Spawn(principal.OrganizationID, "p1", "t1", "", "", "")
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodPost, "/api/agents/"+agent.ID+"/promote", promoteAgentRequest{OrchestratorID: "orch-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var promoted types.Agent
	decodeBody(t, rec, &promoted)
	assert.False(t, promoted.Standalone)

	rec = doRequest(t, s, http.MethodPost, "/api/agents/"+agent.ID+"/demote", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var demoted types.Agent
	decodeBody(t, rec, &demoted)
	assert.True(t, demoted.Standalone)
}

func TestAgentStop(t *testing.T) {
	s, principal := newTestServer(t, RoleMember)
	agent, err := s.agents.Spawn(principal.OrganizationID, "p1", "t1", "", "", "")
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodPost, "/api/agents/"+agent.ID+"/stop", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := s.agents.Get(principal.OrganizationID, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentTerminated, got.Status)
}

func TestSendFetchMarkReadAndRespondMessage(t *testing.T) {
	s, _ := newTestServer(t, RoleMember)
	rec := doRequest(t, s, http.MethodPost, "/api/messages", sendMessageRequest{
		From: "agent-a", To: "agent-b", Content: "hello", MessageType: "note",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sent map[string]string
	decodeBody(t, rec, &sent)

	rec = doRequest(t, s, http.MethodGet, "/api/messages?agent=agent-b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched []types.InterAgentMessage
	decodeBody(t, rec, &fetched)
	require.Len(t, fetched, 1)

	rec = doRequest(t, s, http.MethodPost, "/api/messages/"+sent["id"]+"/read", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/messages/"+sent["id"]+"/respond", respondMessageRequest{From: "agent-b", Content: "ack"})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestRequestAndDecideApproval(t *testing.T) {
	s, _ := newTestServer(t, RoleMember)
	rec := doRequest(t, s, http.MethodPost, "/api/approvals", requestApprovalRequest{
		AgentID: "agent-a", ActionDescription: "delete prod table", ProposedChange: "DROP TABLE x",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.Approval
	decodeBody(t, rec, &created)

	s.auth = staticAuth{principal: Principal{OrganizationID: "org-1", Role: RoleAdmin}}
	rec = doRequest(t, s, http.MethodPost, "/api/approvals/"+created.ID+"/decide", decideApprovalRequest{Approved: false, Decider: "admin-1"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/approvals/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got types.Approval
	decodeBody(t, rec, &got)
	assert.Equal(t, types.ApprovalDenied, got.Status)
}

func TestRunGateHumanReviewTriviallyPasses(t *testing.T) {
	s, _ := newTestServer(t, RoleMember)
	rec := doRequest(t, s, http.MethodPost, "/api/gates/run", runGateRequest{WorkspaceDir: "/tmp", Kind: types.GateHumanReview})
	require.Equal(t, http.StatusOK, rec.Code)
	var result types.GateResult
	decodeBody(t, rec, &result)
	assert.True(t, result.Passed)
}
