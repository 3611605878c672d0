package orchestrator

import (
	"github.com/forgeline/agentgraph/agent"
	"github.com/forgeline/agentgraph/graph"
	"github.com/forgeline/agentgraph/graph/emit"
	"github.com/forgeline/agentgraph/graph/store"
	"github.com/forgeline/agentgraph/progress"
	"github.com/forgeline/agentgraph/workflow"
)

const (
	stepBugAnalysis       = "bug_analysis"
	stepBugFix            = "bug_fix"
	stepRegressionTesting = "regression_testing"
	stepReleaseNotes      = "release_notes"
)

// buildBugFixGraph wires the linear bug_analysis -> bug_fix ->
// regression_testing -> release_notes chain from spec §4.6. Unlike
// Feature Development, this graph has no fan-out, so the teacher's
// engine handles it end to end with ordinary Goto routing and needs no
// manual join step.
func buildBugFixGraph(runtimes map[agent.Role]*agent.Runtime, emitter *progress.Emitter, st store.Store[workflow.State], metrics *graph.PrometheusMetrics, engineEmitter emit.Emitter, maxConcurrent int) *graph.Engine[workflow.State] {
	e := graph.New[workflow.State](workflow.Reduce, st, engineEmitter,
		graph.WithMetrics(metrics), graph.WithMaxConcurrent(maxConcurrent))

	bugAnalysis := buildNode(nodeSpec{
		Name:    stepBugAnalysis,
		Role:    agent.RoleBugAnalysis,
		Runtime: runtimes[agent.RoleBugAnalysis],
		Slot: func(delta *workflow.State, r workflow.NodeResult) {
			delta.BusinessAnalysis = []workflow.NodeResult{r}
		},
		TaskBuilder: func(state workflow.State) agent.Task {
			bugDescription, _ := state.Context["bug_description"].(string)
			return agent.Task{
				TaskID:      newTaskID(stepBugAnalysis),
				Description: "Diagnose the root cause of this bug.\n\nRequirement: " + state.Requirement + "\n\nBug report: " + bugDescription,
				Context:     map[string]any{"requirement": state.Requirement, "bug_description": bugDescription},
			}
		},
		Route: func(workflow.State) graph.Next { return graph.Goto(stepBugFix) },
	}, emitter)

	bugFix := buildNode(nodeSpec{
		Name:    stepBugFix,
		Role:    agent.RoleBugFix,
		Runtime: runtimes[agent.RoleBugFix],
		Slot: func(delta *workflow.State, r workflow.NodeResult) {
			delta.Implementation = []workflow.NodeResult{r}
		},
		TaskBuilder: func(state workflow.State) agent.Task {
			return agent.Task{
				TaskID:      newTaskID(stepBugFix),
				Description: "Produce the minimal file changes that resolve the diagnosed root cause.\n\nRequirement: " + state.Requirement,
				Context:     map[string]any{"bug_analysis": nodeResultMaps(state.BusinessAnalysis)},
				InputFiles:  loadInputFiles(filesFrom(state.BusinessAnalysis)),
			}
		},
		Route: func(peek workflow.State) graph.Next {
			if hasFatalErrorForStep(peek, stepBugFix, peek.Implementation) {
				return graph.Stop()
			}
			return graph.Goto(stepRegressionTesting)
		},
	}, emitter)

	regressionTesting := buildNode(nodeSpec{
		Name:    stepRegressionTesting,
		Role:    agent.RoleRegressionTesting,
		Runtime: runtimes[agent.RoleRegressionTesting],
		Slot: func(delta *workflow.State, r workflow.NodeResult) {
			delta.Tests = []workflow.NodeResult{r}
		},
		TaskBuilder: func(state workflow.State) agent.Task {
			return agent.Task{
				TaskID:      newTaskID(stepRegressionTesting),
				Description: "Write regression tests that would have caught this bug and confirm the fix did not break adjacent behavior.\n\nRequirement: " + state.Requirement,
				Context:     map[string]any{"bug_fix": nodeResultMaps(state.Implementation)},
				InputFiles:  loadInputFiles(filesFrom(state.Implementation)),
			}
		},
		Route: func(workflow.State) graph.Next { return graph.Goto(stepReleaseNotes) },
	}, emitter)

	releaseNotes := buildNode(nodeSpec{
		Name:    stepReleaseNotes,
		Role:    agent.RoleReleaseNotes,
		Runtime: runtimes[agent.RoleReleaseNotes],
		Slot: func(delta *workflow.State, r workflow.NodeResult) {
			delta.Documentation = []workflow.NodeResult{r}
		},
		TaskBuilder: func(state workflow.State) agent.Task {
			return agent.Task{
				TaskID:      newTaskID(stepReleaseNotes),
				Description: "Summarize this bug fix as a release note entry.\n\nRequirement: " + state.Requirement,
				Context:     map[string]any{"bug_fix": nodeResultMaps(state.Implementation), "tests": nodeResultMaps(state.Tests)},
			}
		},
		Route: func(workflow.State) graph.Next { return graph.Stop() },
	}, emitter)

	for name, node := range map[string]graph.Node[workflow.State]{
		stepBugAnalysis:       bugAnalysis,
		stepBugFix:            bugFix,
		stepRegressionTesting: regressionTesting,
		stepReleaseNotes:      releaseNotes,
	} {
		_ = e.Add(name, node)
	}
	_ = e.StartAt(stepBugAnalysis)

	return e
}
