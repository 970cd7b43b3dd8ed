package types

import "time"

// AgentStatus is the single status set an Agent moves through over its
// lifetime, from spawn to a terminal outcome.
type AgentStatus string

const (
	AgentInitializing AgentStatus = "initializing"
	AgentWorking      AgentStatus = "working"
	AgentPaused       AgentStatus = "paused"
	AgentCompleted    AgentStatus = "completed"
	AgentFailed       AgentStatus = "failed"
	AgentTerminated   AgentStatus = "terminated"
)

func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentInitializing, AgentWorking, AgentPaused, AgentCompleted, AgentFailed, AgentTerminated:
		return true
	default:
		return false
	}
}

func (s AgentStatus) IsTerminal() bool {
	return s == AgentCompleted || s == AgentFailed || s == AgentTerminated
}

// Agent is a model-driven worker executing a task inside a workspace on
// a runner.
type Agent struct {
	ID             string
	OrganizationID string
	ProjectID      string
	TaskID         string

	RunnerID       string // nullable: empty string means unset
	OrchestratorID string // nullable: empty string means standalone

	Status          AgentStatus
	ProgressPercent int
	CurrentActivity string
	LastHeartbeat   *time.Time

	TokensUsed   int64
	CostUSD      float64
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorCount   int
	WorkspacePath string

	// Standalone is true when the agent has no managing TaskOrchestrator.
	Standalone bool
}

// EligibleForPromotion implements the single promotion eligibility rule:
// the agent must have a task, must not already be managed, and must
// not be in a terminal status.
func (a *Agent) EligibleForPromotion() bool {
	if a.TaskID == "" {
		return false
	}
	if a.OrchestratorID != "" {
		return false
	}
	if a.Status.IsTerminal() {
		return false
	}
	return true
}

// AgentCheckpoint is a persisted snapshot of an agent's session
// sufficient to resume execution after a crash.
type AgentCheckpoint struct {
	ID        string
	AgentID   string
	SessionID string // opaque to the core; supplied by the runtime adapter

	ConversationHistory []ConversationMessage
	PendingToolCalls    []byte // opaque blob
	FilesModified       []string
	UncommittedDiff     string
	DiffTruncated       bool

	CurrentStep     string
	CompletedSteps  []string
	PendingApprovalID string // nullable

	CreatedAt time.Time
	IsLatest  bool
}

// ConversationMessage is one turn of an agent's conversation history.
type ConversationMessage struct {
	Role    string
	Content string
}
