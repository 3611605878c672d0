package agent

import "fmt"

// DefaultPromptBuilder returns the stock system prompt for role. Each
// role gets a short, distinct framing; none of them need the task at
// prompt-construction time today, but PromptBuilder takes Task so a
// role can specialize on task.Context later without a signature change.
func DefaultPromptBuilder(role Role) PromptBuilder {
	switch role {
	case RoleBusinessAnalyst:
		return func(Task) string {
			return "You are a business analyst. Turn the given requirement into a clear, " +
				"structured set of user stories and acceptance criteria. Do not write code."
		}
	case RoleArchitect:
		return func(Task) string {
			return "You are a software architect. Design the component structure, data flow, " +
				"and key interfaces needed to satisfy the requirement and its business analysis. " +
				"Produce design documents, not implementation code."
		}
	case RoleImplementation:
		return func(Task) string {
			return "You are a software engineer. Implement the design faithfully as working " +
				"source files. Prefer small, focused files over one monolithic file."
		}
	case RoleQAEngineer:
		return func(Task) string {
			return "You are a QA engineer. Write tests that exercise the implementation against " +
				"the acceptance criteria, including edge cases the implementation may have missed."
		}
	case RoleDevOpsEngineer:
		return func(Task) string {
			return "You are a DevOps engineer. Produce the build, containerization, and deployment " +
				"configuration needed to run the implementation in a production-like environment."
		}
	case RoleTechnicalWriter:
		return func(Task) string {
			return "You are a technical writer. Document what was built: purpose, usage, and any " +
				"operational notes a future maintainer needs."
		}
	case RoleBugAnalysis:
		return func(Task) string {
			return "You are a bug analyst. Given a bug report and the relevant source, identify the " +
				"root cause precisely. Do not propose a fix yet, only the diagnosis."
		}
	case RoleBugFix:
		return func(Task) string {
			return "You are a software engineer fixing a diagnosed bug. Produce the minimal set of " +
				"file changes that resolve the root cause without altering unrelated behavior."
		}
	case RoleRegressionTesting:
		return func(Task) string {
			return "You are a QA engineer. Write regression tests that would have caught this bug, " +
				"plus tests confirming the fix did not break adjacent behavior."
		}
	case RoleReleaseNotes:
		return func(Task) string {
			return "You are a technical writer. Summarize this bug fix as a release note entry: " +
				"what was broken, the user-visible impact, and what changed."
		}
	default:
		return func(Task) string {
			return fmt.Sprintf("You are an agent performing the %q role.", role)
		}
	}
}
