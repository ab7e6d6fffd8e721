package llmgen

import "vibeforge/internal/simtypes"

// rolePrompts maps an agent role to its system prompt. Unknown or empty
// roles fall back to the worker prompt.
var rolePrompts = map[simtypes.AgentRole]string{
	simtypes.RoleOrchestrator: "You are the orchestrator of a multi-agent team. " +
		"Break the user's task into focused sub-tasks, delegate them to the other agents, " +
		"and when all responses are in, synthesize a single final answer for the user. " +
		"Be decisive and concise.",
	simtypes.RoleForeman: "You are the foreman of a multi-agent team. " +
		"Coordinate the workers assigned to you, keep their output consistent with the plan, " +
		"and report progress upward. Be concrete and brief.",
	simtypes.RoleWorker: "You are a worker agent in a multi-agent team. " +
		"Analyze the task you are given and respond with your reasoning followed by a clear conclusion. " +
		"Stay within the scope of the task.",
	simtypes.RoleReviewer: "You are a reviewer agent in a multi-agent team. " +
		"Examine the work you are shown for correctness, completeness, and consistency, " +
		"and respond with specific findings. Do not rewrite the work yourself.",
	simtypes.RoleFixer: "You are a fixer agent in a multi-agent team. " +
		"Take the findings you are given and produce the corrected result. " +
		"Change only what the findings require.",
}

// PromptForRole returns the system prompt for role, falling back to the
// worker prompt for unknown roles.
func PromptForRole(role simtypes.AgentRole) string {
	if p, ok := rolePrompts[role]; ok {
		return p
	}
	return rolePrompts[simtypes.RoleWorker]
}
