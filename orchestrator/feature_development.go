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
	stepBusinessAnalyst    = "business_analyst"
	stepArchitectureDesign = "architecture_design"
	stepImplementation     = "implementation"
	stepQATesting          = "qa_testing"
	stepInfrastructure     = "infrastructure"
	stepDocumentation      = "documentation"
)

// featureDevelopmentGraph wraps the graph.Engine driving every step of
// the Feature Development workflow up to and including the parallel
// qa_testing/infrastructure fan-out, plus the documentation node run
// separately as a manual join (see buildDocumentationNode's doc
// comment for why).
type featureDevelopmentGraph struct {
	engine       *graph.Engine[workflow.State]
	documentNode graph.Node[workflow.State]
}

// buildFeatureDevelopmentGraph wires business_analyst -> architecture_design
// -> implementation -> [qa_testing, infrastructure] per spec §4.6. The
// teacher's engine has no join/barrier primitive of its own: a
// Route.Many fan-out always ends the engine.Run call once every branch
// has produced a Terminal route and been merged (graph/engine.go's
// executeParallel and runConcurrent both return immediately after the
// fan-out completes). qa_testing and infrastructure are therefore each
// given Stop() as their route rather than routing onward to
// documentation; the caller (Orchestrator.ExecuteFeatureDevelopment)
// runs the engine to get the merged post-fan-out state, then invokes
// the documentation node directly against that state and folds its
// result in with workflow.Reduce, exactly as if it were one more
// sequential edge. This reproduces spec §4.6's join semantics (both
// branches must land before documentation runs) without touching the
// teacher's generic fan-out/merge machinery.
func buildFeatureDevelopmentGraph(runtimes map[agent.Role]*agent.Runtime, emitter *progress.Emitter, st store.Store[workflow.State], metrics *graph.PrometheusMetrics, engineEmitter emit.Emitter, maxConcurrent int) *featureDevelopmentGraph {
	e := graph.New[workflow.State](workflow.Reduce, st, engineEmitter,
		graph.WithMetrics(metrics), graph.WithMaxConcurrent(maxConcurrent))

	businessAnalyst := buildNode(nodeSpec{
		Name:    stepBusinessAnalyst,
		Role:    agent.RoleBusinessAnalyst,
		Runtime: runtimes[agent.RoleBusinessAnalyst],
		Slot: func(delta *workflow.State, r workflow.NodeResult) {
			delta.BusinessAnalysis = []workflow.NodeResult{r}
		},
		TaskBuilder: func(state workflow.State) agent.Task {
			return agent.Task{
				TaskID:      newTaskID(stepBusinessAnalyst),
				Description: "Analyze the following requirement and produce user stories and acceptance criteria.\n\nRequirement: " + state.Requirement,
				Context:     map[string]any{"requirement": state.Requirement},
			}
		},
		Route: func(workflow.State) graph.Next { return graph.Goto(stepArchitectureDesign) },
	}, emitter)

	architectureDesign := buildNode(nodeSpec{
		Name:    stepArchitectureDesign,
		Role:    agent.RoleArchitect,
		Runtime: runtimes[agent.RoleArchitect],
		Slot: func(delta *workflow.State, r workflow.NodeResult) {
			delta.Architecture = []workflow.NodeResult{r}
		},
		TaskBuilder: func(state workflow.State) agent.Task {
			return agent.Task{
				TaskID:      newTaskID(stepArchitectureDesign),
				Description: "Design the architecture satisfying the requirement and the business analysis.\n\nRequirement: " + state.Requirement,
				Context:     map[string]any{"business_analysis": nodeResultMaps(state.BusinessAnalysis)},
				InputFiles:  loadInputFiles(filesFrom(state.BusinessAnalysis)),
			}
		},
		Route: func(workflow.State) graph.Next { return graph.Goto(stepImplementation) },
	}, emitter)

	implementation := buildNode(nodeSpec{
		Name:    stepImplementation,
		Role:    agent.RoleImplementation,
		Runtime: runtimes[agent.RoleImplementation],
		Slot: func(delta *workflow.State, r workflow.NodeResult) {
			delta.Implementation = []workflow.NodeResult{r}
		},
		TaskBuilder: func(state workflow.State) agent.Task {
			return agent.Task{
				TaskID:      newTaskID(stepImplementation),
				Description: "Implement the design as working source files.\n\nRequirement: " + state.Requirement,
				Context:     map[string]any{"architecture": nodeResultMaps(state.Architecture)},
				InputFiles:  loadInputFiles(filesFrom(state.Architecture)),
			}
		},
		Route: func(peek workflow.State) graph.Next {
			if hasFatalErrorForStep(peek, stepImplementation, peek.Implementation) {
				return graph.Stop()
			}
			emitter.ParallelStart([]string{stepQATesting, stepInfrastructure})
			return graph.Next{Many: []string{stepQATesting, stepInfrastructure}}
		},
	}, emitter)

	qaTesting := buildNode(nodeSpec{
		Name:    stepQATesting,
		Role:    agent.RoleQAEngineer,
		Runtime: runtimes[agent.RoleQAEngineer],
		Slot: func(delta *workflow.State, r workflow.NodeResult) {
			delta.Tests = []workflow.NodeResult{r}
		},
		TaskBuilder: func(state workflow.State) agent.Task {
			return agent.Task{
				TaskID:      newTaskID(stepQATesting),
				Description: "Write tests exercising the implementation against the acceptance criteria.\n\nRequirement: " + state.Requirement,
				Context:     map[string]any{"implementation": nodeResultMaps(state.Implementation)},
				InputFiles:  loadInputFiles(filesFrom(state.Implementation)),
			}
		},
		Route: func(workflow.State) graph.Next { return graph.Stop() },
	}, emitter)

	infrastructure := buildNode(nodeSpec{
		Name:    stepInfrastructure,
		Role:    agent.RoleDevOpsEngineer,
		Runtime: runtimes[agent.RoleDevOpsEngineer],
		Slot: func(delta *workflow.State, r workflow.NodeResult) {
			delta.Infrastructure = []workflow.NodeResult{r}
		},
		TaskBuilder: func(state workflow.State) agent.Task {
			return agent.Task{
				TaskID:      newTaskID(stepInfrastructure),
				Description: "Produce the build, containerization, and deployment configuration for this implementation.\n\nRequirement: " + state.Requirement,
				Context:     map[string]any{"implementation": nodeResultMaps(state.Implementation)},
				InputFiles:  loadInputFiles(filesFrom(state.Implementation)),
			}
		},
		Route: func(workflow.State) graph.Next { return graph.Stop() },
	}, emitter)

	documentation := buildNode(nodeSpec{
		Name:    stepDocumentation,
		Role:    agent.RoleTechnicalWriter,
		Runtime: runtimes[agent.RoleTechnicalWriter],
		Slot: func(delta *workflow.State, r workflow.NodeResult) {
			delta.Documentation = []workflow.NodeResult{r}
		},
		TaskBuilder: func(state workflow.State) agent.Task {
			inputs := append(append([]string{}, filesFrom(state.Tests)...), filesFrom(state.Infrastructure)...)
			return agent.Task{
				TaskID:      newTaskID(stepDocumentation),
				Description: "Document what was built: purpose, usage, and operational notes.\n\nRequirement: " + state.Requirement,
				Context: map[string]any{
					"implementation": nodeResultMaps(state.Implementation),
					"tests":          nodeResultMaps(state.Tests),
					"infrastructure": nodeResultMaps(state.Infrastructure),
				},
				InputFiles: loadInputFiles(inputs),
			}
		},
		Route: func(workflow.State) graph.Next { return graph.Stop() },
	}, emitter)

	for name, node := range map[string]graph.Node[workflow.State]{
		stepBusinessAnalyst:    businessAnalyst,
		stepArchitectureDesign: architectureDesign,
		stepImplementation:     implementation,
		stepQATesting:          qaTesting,
		stepInfrastructure:     infrastructure,
	} {
		_ = e.Add(name, node)
	}
	_ = e.StartAt(stepBusinessAnalyst)

	return &featureDevelopmentGraph{engine: e, documentNode: documentation}
}
