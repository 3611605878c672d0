// Package progress implements C9: typed progress events describing
// orchestrator-level activity (as distinct from the engine's own
// low-level node_start/node_end/routing_decision events in
// graph/emit, which describe graph mechanics rather than workflow
// semantics), delivered best-effort to subscribers without blocking
// node execution.
package progress

import "time"

// Kind enumerates the nine event kinds named in spec §4.8.
type Kind string

const (
	KindWorkflowStarted   Kind = "workflow_started"
	KindNodeStarted       Kind = "node_started"
	KindNodeAction        Kind = "node_action"
	KindNodeCompleted     Kind = "node_completed"
	KindNodeFailed        Kind = "node_failed"
	KindInterAgentHandoff Kind = "inter_agent_handoff"
	KindParallelStart     Kind = "parallel_start"
	KindParallelComplete  Kind = "parallel_complete"
	KindWorkflowStatus    Kind = "workflow_status"
	KindWorkflowCompleted Kind = "workflow_completed"
)

// WorkflowStarted is the payload for KindWorkflowStarted.
type WorkflowStarted struct {
	WorkflowID   string
	WorkflowType string
	Requirement  string
	StartedAt    time.Time
}

// NodeStarted is the payload for KindNodeStarted.
type NodeStarted struct {
	WorkflowID string
	NodeName   string
	Role       string
}

// NodeAction is the payload for KindNodeAction.
type NodeAction struct {
	WorkflowID  string
	NodeName    string
	Description string
	Details     map[string]any
}

// NodeCompleted is the payload for KindNodeCompleted.
type NodeCompleted struct {
	WorkflowID   string
	NodeName     string
	Summary      string
	FilesCreated []string
}

// NodeFailed is the payload for KindNodeFailed.
type NodeFailed struct {
	WorkflowID string
	NodeName   string
	Error      string
}

// InterAgentHandoff is the payload for KindInterAgentHandoff.
type InterAgentHandoff struct {
	FromNode string
	ToNode   string
	Message  string
}

// ParallelStart is the payload for KindParallelStart.
type ParallelStart struct {
	Targets []string
}

// ParallelComplete is the payload for KindParallelComplete.
type ParallelComplete struct {
	Targets []string
}

// WorkflowStatus is the payload for KindWorkflowStatus.
type WorkflowStatus struct {
	WorkflowID     string
	Status         string
	CurrentStep    string
	CompletedSteps []string
}

// WorkflowCompleted is the payload for KindWorkflowCompleted.
type WorkflowCompleted struct {
	WorkflowID  string
	Status      string
	CompletedAt time.Time
}

// Event wraps one typed payload with its Kind, so a subscriber can
// switch on Kind and type-assert Payload without a loosely-typed
// map[string]interface{} bag.
type Event struct {
	Kind    Kind
	Payload any
}
