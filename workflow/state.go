// Package workflow defines the typed, mergeable state shared across a
// single orchestrator run: the record a node reads an immutable
// snapshot of, the partial update a node returns, and the reducer that
// folds that update back into the accumulated state.
package workflow

import "time"

// Type enumerates the graphs the orchestrator knows how to build.
// infrastructure and analysis are kept as valid values so a stored
// artifact round-trips even though no graph is registered for them
// (see DESIGN.md's Open Question decisions).
type Type string

const (
	TypeFeatureDevelopment Type = "feature_development"
	TypeBugFix             Type = "bug_fix"
	TypeInfrastructure     Type = "infrastructure"
	TypeAnalysis           Type = "analysis"
	TypeDocumentation      Type = "documentation"
)

// Status is the workflow's lifecycle state. Transitions are exclusively
// running -> {completed, failed, cancelled, paused}; cancelled and
// paused are first-class terminal/suspended values, not an afterthought
// bolted onto completed/failed.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Role identifies which agent specialization produced a NodeResult.
type Role string

const (
	RoleBusinessAnalyst   Role = "business_analyst"
	RoleArchitect         Role = "architecture_design"
	RoleImplementation    Role = "implementation"
	RoleQAEngineer        Role = "qa_engineer"
	RoleDevOpsEngineer    Role = "devops_engineer"
	RoleTechnicalWriter   Role = "technical_writer"
	RoleBugAnalysis       Role = "bug_analysis"
	RoleBugFix            Role = "bug_fix"
	RoleRegressionTesting Role = "regression_testing"
	RoleReleaseNotes      Role = "release_notes"
)

// NodeResult is the element type of every per-node append-semantics
// sequence (business_analysis, architecture, implementation, tests,
// infrastructure, documentation).
type NodeResult struct {
	Status       string   `json:"status"` // "completed" | "failed"
	Summary      string   `json:"summary,omitempty"`
	FilesCreated []string `json:"files_created"`
	Role         Role     `json:"role"`
	TaskID       string   `json:"task_id"`
	RawOutput    string   `json:"raw_output,omitempty"`
}

// ErrorEntry is one entry in State.Errors. Per the invariant in spec
// §3, e.Step is always also present in State.CompletedSteps: a step
// that errors is still recorded complete, preserving the at-most-once
// per path DAG invariant.
type ErrorEntry struct {
	Step      string    `json:"step"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the single typed record threaded through the graph. Nodes
// never see or mutate this value directly: the engine hands each node
// an immutable snapshot and reduces the partial update (a State value
// with only the touched fields populated) back in via Reduce.
//
// Field-by-field merge policy is documented on Reduce, matching the
// table in spec §3: replace-once fields use the zero value as "unset",
// append fields are never truncated or reordered, Context is a shallow
// merge.
type State struct {
	Requirement  string         `json:"requirement"`
	WorkflowType Type           `json:"workflow_type"`
	WorkflowID   string         `json:"workflow_id"`
	Context      map[string]any `json:"context,omitempty"`

	BusinessAnalysis []NodeResult `json:"business_analysis,omitempty"`
	Architecture     []NodeResult `json:"architecture,omitempty"`
	Implementation   []NodeResult `json:"implementation,omitempty"`
	Tests            []NodeResult `json:"tests,omitempty"`
	Infrastructure   []NodeResult `json:"infrastructure,omitempty"`
	Documentation    []NodeResult `json:"documentation,omitempty"`

	Errors       []ErrorEntry `json:"errors,omitempty"`
	FilesCreated []string     `json:"files_created,omitempty"`

	CurrentStep    string   `json:"current_step,omitempty"`
	CompletedSteps []string `json:"completed_steps,omitempty"`

	Status      Status    `json:"status,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Reserved for human-in-the-loop; replace semantics. Pointers so a
	// delta can distinguish "not touched" from an explicit false.
	RequiresApproval *bool  `json:"requires_approval,omitempty"`
	Approved         *bool  `json:"approved,omitempty"`
	ApprovalNotes    string `json:"approval_notes,omitempty"`
}

// LatestImplementation returns the most recently appended implementation
// NodeResult, or the zero value and false if none exists yet. A
// convenience for callers inspecting the implementation sequence's
// tail without reaching into the slice directly, mirroring the
// equivalent check the implementation node's conditional routing
// performs inline (spec §4.6).
func (s State) LatestImplementation() (NodeResult, bool) {
	if len(s.Implementation) == 0 {
		return NodeResult{}, false
	}
	return s.Implementation[len(s.Implementation)-1], true
}

// HasErrorForStep reports whether Errors already contains an entry for
// the given step name.
func (s State) HasErrorForStep(step string) bool {
	for _, e := range s.Errors {
		if e.Step == step {
			return true
		}
	}
	return false
}
