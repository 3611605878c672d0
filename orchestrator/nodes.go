package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/agentgraph/agent"
	"github.com/forgeline/agentgraph/graph"
	"github.com/forgeline/agentgraph/progress"
	"github.com/forgeline/agentgraph/workflow"
)

// slotAppender attaches one node's result to its dedicated per-role
// sequence field on a State delta (business_analysis, architecture, …).
type slotAppender func(delta *workflow.State, result workflow.NodeResult)

// nodeSpec is everything buildNode needs to turn an agent.Runtime into
// a graph.Node[workflow.State]: where its result goes, how to build
// its task from the current state, and how to route afterward.
type nodeSpec struct {
	Name        string
	Role        agent.Role
	Runtime     *agent.Runtime
	Slot        slotAppender
	TaskBuilder func(state workflow.State) agent.Task
	Route       func(peek workflow.State) graph.Next
}

// buildNode adapts spec into a graph.Node[workflow.State]: run the
// agent, fold its result into the right slot of a delta, append the
// bookkeeping fields every node touches (current_step, completed_steps,
// files_created, errors), emit progress events, and decide the next
// hop by evaluating spec.Route against the state as it will look once
// this delta is merged.
func buildNode(spec nodeSpec, emitter *progress.Emitter) graph.Node[workflow.State] {
	return graph.NodeFunc[workflow.State](func(ctx context.Context, state workflow.State) graph.NodeResult[workflow.State] {
		emitter.NodeStarted(state.WorkflowID, spec.Name, string(spec.Role))

		task := spec.TaskBuilder(state)
		res := spec.Runtime.Run(ctx, task)

		delta := workflow.State{
			CurrentStep:    spec.Name,
			CompletedSteps: []string{spec.Name},
		}
		if len(res.FilesCreated) > 0 {
			delta.FilesCreated = append([]string{}, res.FilesCreated...)
		}

		nr := workflow.NodeResult{
			Status:       res.Status,
			Summary:      res.Summary,
			FilesCreated: res.FilesCreated,
			Role:         workflow.Role(spec.Role),
			TaskID:       res.TaskID,
			RawOutput:    res.RawOutput,
		}
		spec.Slot(&delta, nr)

		if res.Status == "failed" {
			delta.Errors = []workflow.ErrorEntry{{
				Step:      spec.Name,
				Error:     res.Error,
				Timestamp: time.Now(),
			}}
			emitter.NodeFailed(state.WorkflowID, spec.Name, res.Error)
		} else {
			emitter.NodeCompleted(state.WorkflowID, spec.Name, res.Summary, res.FilesCreated)
		}

		peek := workflow.Reduce(state, delta)
		route := spec.Route(peek)

		if route.To != "" {
			emitter.InterAgentHandoff(spec.Name, route.To, spec.Name+" completed, handing off to "+route.To)
		}

		return graph.NodeResult[workflow.State]{Delta: delta, Route: route}
	})
}

// newTaskID returns an opaque, unique task identifier; the agent
// runtime uses it to namespace generated files under
// generated/<task_id>/<role>/.
func newTaskID(step string) string {
	return fmt.Sprintf("%s-%s", step, uuid.NewString())
}

// nodeResultMaps converts an ordered sequence of node results into the
// []map[string]any shape agent.Runtime's context formatter recognizes
// for count/first-element-keys digesting.
func nodeResultMaps(results []workflow.NodeResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]any{
			"status":        r.Status,
			"summary":       r.Summary,
			"files_created": r.FilesCreated,
			"role":          string(r.Role),
			"task_id":       r.TaskID,
			"raw_output":    r.RawOutput,
		})
	}
	return out
}

// loadInputFiles reads every path in paths from disk into an
// agent.InputFile, skipping unreadable files (an upstream node's
// output directory may legitimately be empty if extraction produced
// no files) rather than failing the downstream node outright.
func loadInputFiles(paths []string) []agent.InputFile {
	files := make([]agent.InputFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		files = append(files, agent.InputFile{Path: p, Content: string(data)})
	}
	return files
}

// filesFrom flattens the FilesCreated of every result in results, in
// order, for use as a downstream node's input file list.
func filesFrom(results []workflow.NodeResult) []string {
	var paths []string
	for _, r := range results {
		paths = append(paths, r.FilesCreated...)
	}
	return paths
}

// hasFatalErrorForStep reports whether peek already carries an error
// entry for step, or the latest result in results has status=failed —
// either condition means this branch must stop rather than continue,
// per spec §4.6's implementation-node conditional edge and its
// analogous join-branch rule for qa_testing/infrastructure.
func hasFatalErrorForStep(peek workflow.State, step string, results []workflow.NodeResult) bool {
	if peek.HasErrorForStep(step) {
		return true
	}
	if len(results) > 0 && results[len(results)-1].Status == "failed" {
		return true
	}
	return false
}
