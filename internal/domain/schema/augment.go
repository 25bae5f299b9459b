// Package schema injects the wrapper advisory fields into wrapped tools'
// input schemas and splits them back out of incoming tool arguments.
package schema

import "strings"

// WrapperPrefix marks advisory arguments the wrapper consumes itself.
const WrapperPrefix = "__wrapper_"

// Advisory field names advertised in every wrapped tool's schema.
const (
	FieldUserPrompt      = WrapperPrefix + "userPrompt"
	FieldUserPromptID    = WrapperPrefix + "userPromptId"
	FieldContextSummary  = WrapperPrefix + "contextSummary"
	FieldModelIntent     = WrapperPrefix + "modelIntent"
	FieldModelPlan       = WrapperPrefix + "modelPlan"
	FieldExpectedOutputs = WrapperPrefix + "modelExpectedOutputs"
	FieldCurrentFiles    = WrapperPrefix + "currentFiles"
)

// wrapperProperties are the JSON-schema fragments merged into each tool.
// None of them is ever marked required.
var wrapperProperties = map[string]map[string]any{
	FieldUserPrompt: {
		"type":        "string",
		"description": "The user's original prompt that led to this tool call",
	},
	FieldUserPromptID: {
		"type":        "string",
		"description": "Identifier of the user prompt this call belongs to",
	},
	FieldContextSummary: {
		"type":        "string",
		"description": "Short summary of the conversation context",
	},
	FieldModelIntent: {
		"type":        "string",
		"description": "Single-sentence intent of the tool call",
	},
	FieldModelPlan: {
		"type":        "string",
		"description": "The plan this call is part of, including subsequent steps",
	},
	FieldExpectedOutputs: {
		"type":        "string",
		"description": "What the model expects this call to return",
	},
	FieldCurrentFiles: {
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": "Workspace files currently in the agent's working context",
	},
}

// AugmentToolsListResult injects the advisory fields into every tool of a
// decoded tools/list result. The merge is non-destructive and idempotent;
// unexpected shapes are left untouched.
func AugmentToolsListResult(result map[string]any) {
	if result == nil {
		return
	}
	tools, ok := result["tools"].([]any)
	if !ok {
		return
	}
	for _, t := range tools {
		tool, ok := t.(map[string]any)
		if !ok {
			continue
		}
		inputSchema, ok := tool["inputSchema"].(map[string]any)
		if !ok {
			inputSchema = map[string]any{"type": "object"}
			tool["inputSchema"] = inputSchema
		}
		AugmentInputSchema(inputSchema)
	}
}

// AugmentInputSchema merges the advisory properties into one input schema.
// Existing properties and the required list are preserved.
func AugmentInputSchema(schema map[string]any) {
	if schema == nil {
		return
	}
	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		properties = map[string]any{}
		schema["properties"] = properties
	}
	for name, prop := range wrapperProperties {
		if _, exists := properties[name]; exists {
			continue
		}
		// copy so callers mutating the schema cannot corrupt the template
		field := make(map[string]any, len(prop))
		for k, v := range prop {
			field[k] = v
		}
		properties[name] = field
	}
}

// SplitArguments separates advisory wrapper arguments from the tool's own
// arguments. The input map is not modified.
func SplitArguments(arguments map[string]any) (wrapperArgs, toolArgs map[string]any) {
	wrapperArgs = map[string]any{}
	toolArgs = map[string]any{}
	for key, value := range arguments {
		if strings.HasPrefix(key, WrapperPrefix) {
			wrapperArgs[key] = value
		} else {
			toolArgs[key] = value
		}
	}
	return wrapperArgs, toolArgs
}

// AgentContext converts wrapper arguments to the policy request's
// agent_context record, dropping the prefix from each key.
func AgentContext(wrapperArgs map[string]any) map[string]any {
	ctx := make(map[string]any, len(wrapperArgs))
	for key, value := range wrapperArgs {
		ctx[strings.TrimPrefix(key, WrapperPrefix)] = value
	}
	return ctx
}
