// Package policy defines the records exchanged with the remote policy
// service and the inspector interface the pipeline consumes.
package policy

import (
	"context"

	"github.com/mcpower-security/mcpower/internal/domain/decision"
)

// Server identifies the wrapped MCP server.
type Server struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
}

// Tool identifies the inspected operation.
type Tool struct {
	Name   string `json:"name"`
	Method string `json:"method"`
}

// Workspace describes the workspace the operation runs in.
type Workspace struct {
	Roots        []string `json:"roots,omitempty"`
	CurrentFiles []string `json:"current_files,omitempty"`
}

// EnvContext is the ambient context attached to every policy call.
type EnvContext struct {
	SessionID     string    `json:"session_id"`
	Workspace     Workspace `json:"workspace"`
	Client        string    `json:"client,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
}

// Request is the request-phase inspection record.
type Request struct {
	EventID      string         `json:"event_id"`
	PromptID     string         `json:"prompt_id,omitempty"`
	Server       Server         `json:"server"`
	Tool         Tool           `json:"tool"`
	AgentContext map[string]any `json:"agent_context,omitempty"`
	EnvContext   EnvContext     `json:"env_context"`
	Arguments    map[string]any `json:"arguments,omitempty"`
}

// Response is the response-phase inspection record. ResponseContent carries
// the wrapped server's serialized result.
type Response struct {
	EventID         string         `json:"event_id"`
	PromptID        string         `json:"prompt_id,omitempty"`
	Server          Server         `json:"server"`
	Tool            Tool           `json:"tool"`
	AgentContext    map[string]any `json:"agent_context,omitempty"`
	EnvContext      EnvContext     `json:"env_context"`
	ResponseContent string         `json:"response_content"`
}

// ToolDescriptor registers one wrapped tool with the policy service.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// InitRequest registers the wrapped server and its tools.
type InitRequest struct {
	Environment EnvContext       `json:"environment"`
	Server      Server           `json:"server"`
	Tools       []ToolDescriptor `json:"tools"`
}

// Inspector is the pipeline's view of the policy service. Inspection never
// returns an error: transport failures are folded into a block verdict so
// enforcement cannot tell them from a real deny.
type Inspector interface {
	InitTools(ctx context.Context, req InitRequest) error
	InspectRequest(ctx context.Context, req Request) decision.Verdict
	InspectResponse(ctx context.Context, resp Response) decision.Verdict
}
