package cel

import (
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/mcpower-security/mcpower/internal/domain/policy"
)

// NewRuleEnvironment creates the CEL environment local rules compile
// against. Variables:
//   - tool, server, operation_type, session_id (string)
//   - arguments (map<string, dyn>)
//   - request_time (timestamp)
//
// Functions: glob, arg, arg_contains.
func NewRuleEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool", cel.StringType),
		cel.Variable("server", cel.StringType),
		cel.Variable("operation_type", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("arguments", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request_time", cel.TimestampType),

		// glob: pattern match for tool and server names.
		// Usage: glob("file_*", tool)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// arg: extract an argument by key, null when absent.
		// Usage: arg(arguments, "path")
		cel.Function("arg",
			cel.Overload("arg_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(mapVal, keyVal ref.Val) ref.Val {
					key := keyVal.Value().(string)
					if refMap, ok := mapVal.Value().(map[ref.Val]ref.Val); ok {
						if v, found := refMap[types.String(key)]; found {
							return v
						}
						return types.NullValue
					}
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						if v, found := goMap[key]; found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		// arg_contains: true when any string argument contains the substring.
		// Usage: arg_contains(arguments, "--force")
		cel.Function("arg_contains",
			cel.Overload("arg_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr := substrVal.Value().(string)
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						for _, v := range goMap {
							if s, ok := v.(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					if refMap, ok := mapVal.Value().(map[ref.Val]ref.Val); ok {
						for _, v := range refMap {
							if s, ok := v.Value().(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
}

// buildActivation maps an evaluation context onto the environment variables.
func buildActivation(evalCtx policy.EvaluationContext) map[string]any {
	args := evalCtx.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"tool":           evalCtx.Tool,
		"server":         evalCtx.Server,
		"operation_type": evalCtx.OperationType,
		"session_id":     evalCtx.SessionID,
		"arguments":      args,
		"request_time":   evalCtx.RequestTime,
	}
}
