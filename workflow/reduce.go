package workflow

// Reduce merges a node's partial update (delta) into the accumulated
// state (prev), following the per-field policy table in spec §3:
//
//   - replace-once fields (Requirement, WorkflowType, WorkflowID,
//     CurrentStep, Status, StartedAt, CompletedAt, RequiresApproval,
//     Approved, ApprovalNotes): delta wins only when it carries a
//     non-zero value, otherwise prev is kept.
//   - Context: shallow-merged, delta's keys overwrite prev's.
//   - append fields (BusinessAnalysis, Architecture, Implementation,
//     Tests, Infrastructure, Documentation, Errors, FilesCreated,
//     CompletedSteps): delta's entries are appended after prev's,
//     never truncated or reordered. Duplicates are allowed to survive
//     (see the CompletedSteps join-duplication note in spec §9); a
//     consumer that needs a unique view dedupes on read.
//
// Reduce never mutates prev or delta's backing arrays; it returns a
// new State value built from fresh slices, so a reducer call is safe
// to run concurrently with other reads of prev (nodes only ever
// observe immutable snapshots).
func Reduce(prev, delta State) State {
	next := prev

	if delta.Requirement != "" {
		next.Requirement = delta.Requirement
	}
	if delta.WorkflowType != "" {
		next.WorkflowType = delta.WorkflowType
	}
	if delta.WorkflowID != "" {
		next.WorkflowID = delta.WorkflowID
	}
	if delta.CurrentStep != "" {
		next.CurrentStep = delta.CurrentStep
	}
	if delta.Status != "" {
		next.Status = delta.Status
	}
	if !delta.StartedAt.IsZero() {
		next.StartedAt = delta.StartedAt
	}
	if !delta.CompletedAt.IsZero() {
		next.CompletedAt = delta.CompletedAt
	}
	if delta.RequiresApproval != nil {
		next.RequiresApproval = delta.RequiresApproval
	}
	if delta.Approved != nil {
		next.Approved = delta.Approved
	}
	if delta.ApprovalNotes != "" {
		next.ApprovalNotes = delta.ApprovalNotes
	}

	if delta.Context != nil {
		merged := make(map[string]any, len(prev.Context)+len(delta.Context))
		for k, v := range prev.Context {
			merged[k] = v
		}
		for k, v := range delta.Context {
			merged[k] = v
		}
		next.Context = merged
	}

	next.BusinessAnalysis = appendAll(prev.BusinessAnalysis, delta.BusinessAnalysis)
	next.Architecture = appendAll(prev.Architecture, delta.Architecture)
	next.Implementation = appendAll(prev.Implementation, delta.Implementation)
	next.Tests = appendAll(prev.Tests, delta.Tests)
	next.Infrastructure = appendAll(prev.Infrastructure, delta.Infrastructure)
	next.Documentation = appendAll(prev.Documentation, delta.Documentation)
	next.Errors = appendAll(prev.Errors, delta.Errors)
	next.FilesCreated = appendAll(prev.FilesCreated, delta.FilesCreated)
	next.CompletedSteps = appendAll(prev.CompletedSteps, delta.CompletedSteps)

	return next
}

// appendAll returns a fresh slice holding prev's entries followed by
// delta's, without aliasing either input's backing array.
func appendAll[T any](prev, delta []T) []T {
	if len(prev) == 0 && len(delta) == 0 {
		return nil
	}
	out := make([]T, 0, len(prev)+len(delta))
	out = append(out, prev...)
	out = append(out, delta...)
	return out
}
