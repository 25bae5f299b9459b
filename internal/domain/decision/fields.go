package decision

// needFieldNames maps policy-side dotted context paths to the advisory
// argument names the agent can actually populate.
var needFieldNames = map[string]string{
	"context.agent.intent":            "__wrapper_modelIntent",
	"context.agent.plan":              "__wrapper_modelPlan",
	"context.agent.expectedOutputs":   "__wrapper_modelExpectedOutputs",
	"context.agent.user_prompt":       "__wrapper_userPrompt",
	"context.agent.user_prompt_id":    "__wrapper_userPromptId",
	"context.agent.context_summary":   "__wrapper_contextSummary",
	"context.workspace.current_files": "__wrapper_currentFiles",
}

// translateNeedFields rewrites dotted paths to advisory names; unknown paths
// pass through unchanged so the agent still sees what the policy asked for.
func translateNeedFields(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if name, ok := needFieldNames[f]; ok {
			out = append(out, name)
		} else {
			out = append(out, f)
		}
	}
	return out
}
