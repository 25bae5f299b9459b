package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mcpower-security/mcpower/internal/domain/audit"
	"github.com/mcpower-security/mcpower/internal/domain/decision"
	"github.com/mcpower-security/mcpower/internal/domain/identity"
	"github.com/mcpower-security/mcpower/internal/domain/policy"
	"github.com/mcpower-security/mcpower/internal/domain/schema"
	"github.com/mcpower-security/mcpower/internal/observability"
	"github.com/mcpower-security/mcpower/pkg/mcp"
)

// defaultInitDebounce is the minimum interval between init_tools calls.
const defaultInitDebounce = 60 * time.Second

// tracer covers the pipeline stages. A noop until telemetry installs a
// provider.
var tracer = otel.Tracer("github.com/mcpower-security/mcpower/internal/domain/proxy")

// inspectedMethods maps inspected client request methods to operation types.
var inspectedMethods = map[string]string{
	"tools/call":     "tool",
	"resources/read": "resource",
	"prompts/get":    "prompt",
}

// serverMethods maps inspected server-issued request methods to operation
// types. These run the pipeline with synthetic contexts.
var serverMethods = map[string]string{
	"sampling/create_message": "sampling",
	"sampling/createMessage":  "sampling",
	"elicitation/request":     "elicitation",
	"elicitation/create":      "elicitation",
}

// Auditor is the pipeline's view of the audit trail.
type Auditor interface {
	Record(event audit.Event)
}

// AppUIDSink is notified once when the workspace app uid is resolved.
type AppUIDSink interface {
	SetAppUID(appUID string)
}

// Filter short-circuits the remote inspection with a locally decided
// verdict. A nil result means no rule matched.
type Filter interface {
	Match(evalCtx policy.EvaluationContext) *decision.Verdict
}

// Config carries the static identity of the wrapped session.
type Config struct {
	ServerName    string
	Transport     string
	SessionID     string
	ClientName    string
	ClientVersion string

	// WorkspaceRoot overrides root discovery when set.
	WorkspaceRoot string

	// InitDebounce throttles init_tools (default 60s).
	InitDebounce time.Duration
}

// Deps are the collaborators of the pipeline interceptor.
type Deps struct {
	Inspector policy.Inspector
	Enforcer  *decision.Handler
	Trail     Auditor
	Filter    Filter
	Metrics   *observability.Metrics
	UIDSinks  []AppUIDSink
}

// pendingCall tracks a forwarded request awaiting its response inspection.
type pendingCall struct {
	eventID       string
	promptID      string
	tool          string
	operationType string
	agentContext  map[string]any
}

// PolicyInterceptor runs the two-phase inspection pipeline over every MCP
// operation: request inspection before the wrapped server sees the call,
// response inspection before the client sees the result.
type PolicyInterceptor struct {
	cfg    Config
	deps   Deps
	next   MessageInterceptor
	logger *slog.Logger

	mu            sync.Mutex
	pending       map[string]pendingCall
	listPending   map[string]struct{}
	rootsPending  map[string]struct{}
	lastToolsInit time.Time
	appUIDSet     bool
	currentFiles  []string
	roots         []string
}

// NewPolicyInterceptor creates the pipeline interceptor.
func NewPolicyInterceptor(cfg Config, deps Deps, next MessageInterceptor, logger *slog.Logger) *PolicyInterceptor {
	if cfg.InitDebounce <= 0 {
		cfg.InitDebounce = defaultInitDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyInterceptor{
		cfg:          cfg,
		deps:         deps,
		next:         next,
		logger:       logger,
		pending:      make(map[string]pendingCall),
		listPending:  make(map[string]struct{}),
		rootsPending: make(map[string]struct{}),
	}
}

// Intercept routes a message into the pipeline. Undecodable messages pass
// through raw.
func (p *PolicyInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if msg.Decoded == nil {
		return p.next.Intercept(ctx, msg)
	}

	if msg.IsResponse() {
		return p.interceptResponse(ctx, msg)
	}

	method := msg.Method()
	switch msg.Direction {
	case mcp.ClientToServer:
		if opType, ok := inspectedMethods[method]; ok {
			return p.interceptOperationRequest(ctx, msg, opType)
		}
		if method == "tools/list" {
			p.trackListRequest(msg)
		}
	case mcp.ServerToClient:
		if method == "roots/list" {
			p.trackRootsRequest(msg)
			break
		}
		if opType, ok := serverMethods[method]; ok {
			return p.interceptOperationRequest(ctx, msg, opType)
		}
		if method == "notifications/message" {
			return p.interceptNotification(ctx, msg)
		}
	}
	return p.next.Intercept(ctx, msg)
}

// interceptOperationRequest runs the request half of the pipeline. On deny
// the wrapped peer never sees the message.
func (p *PolicyInterceptor) interceptOperationRequest(ctx context.Context, msg *mcp.Message, opType string) (*mcp.Message, error) {
	eventID := identity.NewEventID()
	params := msg.ParseParams()

	toolName := operationToolName(msg, params, opType)
	arguments := operationArguments(msg, params)
	wrapperArgs, toolArgs := schema.SplitArguments(arguments)
	agentCtx := schema.AgentContext(wrapperArgs)
	promptID := p.promptID(wrapperArgs)
	userPrompt, _ := wrapperArgs[schema.FieldUserPrompt].(string)

	p.resolveAppUID()

	p.audit(audit.Event{
		EventType:  "agent_request",
		EventID:    eventID,
		PromptID:   promptID,
		UserPrompt: userPrompt,
		Data: map[string]any{
			"server_name":    p.cfg.ServerName,
			"tool_name":      toolName,
			"operation_type": opType,
			"arguments":      toolArgs,
		},
	})

	verdict := p.inspectRequest(ctx, policy.Request{
		EventID:      eventID,
		PromptID:     promptID,
		Server:       p.server(),
		Tool:         policy.Tool{Name: toolName, Method: msg.Method()},
		AgentContext: agentCtx,
		EnvContext:   p.envContext(),
		Arguments:    toolArgs,
	}, toolName, opType, msg.Timestamp)

	if err := p.enforce(ctx, verdict, decision.Operation{
		EventID:       eventID,
		PromptID:      promptID,
		Tool:          toolName,
		Server:        p.cfg.ServerName,
		OperationType: opType,
		IsRequest:     true,
		Content:       toolArgs,
	}); err != nil {
		p.logger.Info("operation blocked at request stage",
			"tool", toolName, "event_id", eventID, "reason", SafeErrorMessage(err))
		return nil, err
	}

	p.audit(audit.Event{
		EventType: "agent_request_forwarded",
		EventID:   eventID,
		PromptID:  promptID,
		Data: map[string]any{
			"server_name": p.cfg.ServerName,
			"tool_name":   toolName,
		},
	})

	if len(wrapperArgs) > 0 {
		if err := stripWrapperArgs(msg); err != nil {
			p.logger.Warn("failed to strip advisory arguments", "error", err)
		}
	}

	if key := idKey(msg); key != "" {
		p.mu.Lock()
		p.pending[key] = pendingCall{
			eventID:       eventID,
			promptID:      promptID,
			tool:          toolName,
			operationType: opType,
			agentContext:  agentCtx,
		}
		pendingLen := len(p.pending)
		p.mu.Unlock()
		if p.deps.Metrics != nil {
			p.deps.Metrics.PendingRequests.Set(float64(pendingLen))
		}
	}

	return p.next.Intercept(ctx, msg)
}

// interceptResponse dispatches a response to the matching pipeline half:
// operation result inspection, tools/list augmentation, or roots capture.
func (p *PolicyInterceptor) interceptResponse(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	key := idKey(msg)
	if key == "" {
		return p.next.Intercept(ctx, msg)
	}

	p.mu.Lock()
	call, isPending := p.pending[key]
	if isPending {
		delete(p.pending, key)
	}
	_, isList := p.listPending[key]
	if isList {
		delete(p.listPending, key)
	}
	_, isRoots := p.rootsPending[key]
	if isRoots {
		delete(p.rootsPending, key)
	}
	pendingLen := len(p.pending)
	p.mu.Unlock()

	switch {
	case isPending:
		if p.deps.Metrics != nil {
			p.deps.Metrics.PendingRequests.Set(float64(pendingLen))
		}
		return p.inspectOperationResponse(ctx, msg, call)
	case isList && msg.Direction == mcp.ServerToClient:
		p.augmentToolsList(ctx, msg)
	case isRoots && msg.Direction == mcp.ClientToServer:
		p.captureRoots(msg)
	}
	return p.next.Intercept(ctx, msg)
}

// inspectOperationResponse runs the response half. A denied response is
// replaced with a protocol error; the real result never reaches the client.
func (p *PolicyInterceptor) inspectOperationResponse(ctx context.Context, msg *mcp.Message, call pendingCall) (*mcp.Message, error) {
	resultJSON := responseResult(msg)

	var resultData any
	if err := json.Unmarshal(resultJSON, &resultData); err != nil {
		resultData = string(resultJSON)
	}
	p.audit(audit.Event{
		EventType: "mcp_response",
		EventID:   call.eventID,
		PromptID:  call.promptID,
		Data: map[string]any{
			"server_name": p.cfg.ServerName,
			"tool_name":   call.tool,
			"result":      resultData,
		},
	})

	verdict := p.inspectResponse(ctx, policy.Response{
		EventID:         call.eventID,
		PromptID:        call.promptID,
		Server:          p.server(),
		Tool:            policy.Tool{Name: call.tool},
		AgentContext:    call.agentContext,
		EnvContext:      p.envContext(),
		ResponseContent: string(resultJSON),
	})

	if err := p.enforce(ctx, verdict, decision.Operation{
		EventID:       call.eventID,
		PromptID:      call.promptID,
		Tool:          call.tool,
		Server:        p.cfg.ServerName,
		OperationType: call.operationType,
		IsRequest:     false,
		Content:       string(resultJSON),
	}); err != nil {
		p.logger.Info("operation blocked at response stage",
			"tool", call.tool, "event_id", call.eventID, "reason", SafeErrorMessage(err))
		// suppress the result: the client gets a protocol error instead
		var id any
		if rawID := msg.RawID(); rawID != nil {
			id = json.RawMessage(rawID)
		}
		msg.Raw = CreateJSONRPCError(id, -32600, SafeErrorMessage(err))
		msg.Decoded, _ = mcp.DecodeMessage(msg.Raw)
		return p.next.Intercept(ctx, msg)
	}

	p.audit(audit.Event{
		EventType: "mcp_response_forwarded",
		EventID:   call.eventID,
		PromptID:  call.promptID,
		Data: map[string]any{
			"server_name": p.cfg.ServerName,
			"tool_name":   call.tool,
		},
	})
	return p.next.Intercept(ctx, msg)
}

// interceptNotification inspects a server log notification. A denied
// notification is dropped, never answered.
func (p *PolicyInterceptor) interceptNotification(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	eventID := identity.NewEventID()
	params := msg.ParseParams()
	promptID := identity.DefaultPromptID(p.cfg.SessionID)

	verdict := p.inspectRequest(ctx, policy.Request{
		EventID:    eventID,
		PromptID:   promptID,
		Server:     p.server(),
		Tool:       policy.Tool{Name: "notification", Method: msg.Method()},
		EnvContext: p.envContext(),
		Arguments:  params,
	}, "notification", "notification", msg.Timestamp)

	if err := p.enforce(ctx, verdict, decision.Operation{
		EventID:       eventID,
		PromptID:      promptID,
		Tool:          "notification",
		Server:        p.cfg.ServerName,
		OperationType: "notification",
		IsRequest:     true,
		Content:       params,
	}); err != nil {
		p.logger.Info("notification suppressed", "event_id", eventID)
		return nil, err
	}
	return p.next.Intercept(ctx, msg)
}

// inspectRequest consults the local filter first, then the remote service.
func (p *PolicyInterceptor) inspectRequest(ctx context.Context, req policy.Request, tool, opType string, ts time.Time) decision.Verdict {
	ctx, span := tracer.Start(ctx, "proxy.inspect_request")
	span.SetAttributes(
		attribute.String("tool", tool),
		attribute.String("operation_type", opType))
	defer span.End()

	if p.deps.Filter != nil {
		local := p.deps.Filter.Match(policy.EvaluationContext{
			Tool:          tool,
			Server:        p.cfg.ServerName,
			OperationType: opType,
			SessionID:     p.cfg.SessionID,
			Arguments:     req.Arguments,
			RequestTime:   ts,
		})
		if local != nil {
			span.SetAttributes(
				attribute.Bool("local_rule", true),
				attribute.String("decision", string(local.Decision)))
			p.countInspection("request", string(local.Decision))
			return *local
		}
	}

	start := time.Now()
	verdict := p.deps.Inspector.InspectRequest(ctx, req)
	span.SetAttributes(attribute.String("decision", string(verdict.Decision)))
	p.observeInspection("request", time.Since(start), string(verdict.Decision))
	return verdict
}

func (p *PolicyInterceptor) inspectResponse(ctx context.Context, resp policy.Response) decision.Verdict {
	ctx, span := tracer.Start(ctx, "proxy.inspect_response")
	span.SetAttributes(attribute.String("tool", resp.Tool.Name))
	defer span.End()

	start := time.Now()
	verdict := p.deps.Inspector.InspectResponse(ctx, resp)
	span.SetAttributes(attribute.String("decision", string(verdict.Decision)))
	p.observeInspection("response", time.Since(start), string(verdict.Decision))
	return verdict
}

// enforce routes the verdict through the decision handler under its own
// span so dialog wait time is visible in traces.
func (p *PolicyInterceptor) enforce(ctx context.Context, verdict decision.Verdict, op decision.Operation) error {
	ctx, span := tracer.Start(ctx, "proxy.enforce")
	span.SetAttributes(
		attribute.String("tool", op.Tool),
		attribute.String("decision", string(verdict.Decision)))
	defer span.End()

	err := p.deps.Enforcer.Enforce(ctx, verdict, op)
	span.SetAttributes(attribute.Bool("denied", err != nil))
	return err
}

// trackListRequest remembers a tools/list request so its response can be
// augmented and init_tools debounced.
func (p *PolicyInterceptor) trackListRequest(msg *mcp.Message) {
	key := idKey(msg)
	if key == "" {
		return
	}
	p.mu.Lock()
	p.listPending[key] = struct{}{}
	p.mu.Unlock()
}

// trackRootsRequest remembers a server-issued roots/list request so the
// client's answer can be captured on the way back.
func (p *PolicyInterceptor) trackRootsRequest(msg *mcp.Message) {
	key := idKey(msg)
	if key == "" {
		return
	}
	p.mu.Lock()
	p.rootsPending[key] = struct{}{}
	p.mu.Unlock()
}

// augmentToolsList injects the advisory schema fields into the wrapped
// server's tool list and triggers the debounced init_tools registration.
func (p *PolicyInterceptor) augmentToolsList(ctx context.Context, msg *mcp.Message) {
	var envelope map[string]any
	if err := json.Unmarshal(msg.Raw, &envelope); err != nil {
		p.logger.Warn("tools/list response not decodable", "error", err)
		return
	}
	result, ok := envelope["result"].(map[string]any)
	if !ok {
		return
	}
	schema.AugmentToolsListResult(result)

	raw, err := json.Marshal(envelope)
	if err != nil {
		p.logger.Warn("tools/list re-encode failed", "error", err)
		return
	}
	msg.Raw = raw
	msg.Decoded, _ = mcp.DecodeMessage(raw)

	p.maybeInitTools(ctx, result)
}

// maybeInitTools registers the tool inventory at most once per debounce
// window. A failed init is logged, not retried.
func (p *PolicyInterceptor) maybeInitTools(ctx context.Context, result map[string]any) {
	p.mu.Lock()
	if time.Since(p.lastToolsInit) < p.cfg.InitDebounce && !p.lastToolsInit.IsZero() {
		p.mu.Unlock()
		return
	}
	p.lastToolsInit = time.Now()
	p.mu.Unlock()

	descriptors := toolDescriptors(result)
	req := policy.InitRequest{
		Environment: p.envContext(),
		Server:      p.server(),
		Tools:       descriptors,
	}
	go func(ctx context.Context) {
		if err := p.deps.Inspector.InitTools(ctx, req); err != nil {
			p.logger.Warn("init_tools failed", "error", err)
		}
	}(context.WithoutCancel(ctx))
}

// captureRoots decodes the client's roots/list answer. The first root wins
// and becomes the app uid workspace for the rest of the process.
func (p *PolicyInterceptor) captureRoots(msg *mcp.Message) {
	var envelope struct {
		Result struct {
			Roots []struct {
				URI  string `json:"uri"`
				Name string `json:"name"`
			} `json:"roots"`
		} `json:"result"`
	}
	if err := json.Unmarshal(msg.Raw, &envelope); err != nil {
		p.logger.Warn("roots/list response not decodable", "error", err)
		return
	}

	var roots []string
	for _, root := range envelope.Result.Roots {
		if path := rootPath(root.URI); path != "" {
			roots = append(roots, path)
		}
	}
	if len(roots) == 0 {
		return
	}

	p.mu.Lock()
	p.roots = roots
	p.mu.Unlock()
	p.setAppUIDFromRoot(roots[0])
}

// resolveAppUID falls back to the configured or current directory when no
// workspace roots were discovered before the first operation.
func (p *PolicyInterceptor) resolveAppUID() {
	p.mu.Lock()
	done := p.appUIDSet
	p.mu.Unlock()
	if done {
		return
	}
	p.setAppUIDFromRoot(p.cfg.WorkspaceRoot)
}

func (p *PolicyInterceptor) setAppUIDFromRoot(root string) {
	p.mu.Lock()
	if p.appUIDSet {
		p.mu.Unlock()
		return
	}
	p.appUIDSet = true
	p.mu.Unlock()

	appUID, err := identity.EnsureAppUID(root, p.logger)
	if err != nil {
		p.logger.Error("app uid resolution failed", "root", root, "error", err)
		return
	}
	for _, sink := range p.deps.UIDSinks {
		sink.SetAppUID(appUID)
	}
}

func (p *PolicyInterceptor) promptID(wrapperArgs map[string]any) string {
	if id, ok := wrapperArgs[schema.FieldUserPromptID].(string); ok && id != "" {
		return id
	}
	return identity.DefaultPromptID(p.cfg.SessionID)
}

func (p *PolicyInterceptor) server() policy.Server {
	return policy.Server{Name: p.cfg.ServerName, Transport: p.cfg.Transport}
}

func (p *PolicyInterceptor) envContext() policy.EnvContext {
	p.mu.Lock()
	roots := append([]string(nil), p.roots...)
	files := append([]string(nil), p.currentFiles...)
	p.mu.Unlock()
	return policy.EnvContext{
		SessionID:     p.cfg.SessionID,
		Workspace:     policy.Workspace{Roots: roots, CurrentFiles: files},
		Client:        p.cfg.ClientName,
		ClientVersion: p.cfg.ClientVersion,
	}
}

func (p *PolicyInterceptor) audit(event audit.Event) {
	if p.deps.Trail != nil {
		p.deps.Trail.Record(event)
	}
}

func (p *PolicyInterceptor) countInspection(stage, decided string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.InspectionsTotal.WithLabelValues(stage, decided).Inc()
	}
}

func (p *PolicyInterceptor) observeInspection(stage string, d time.Duration, decided string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.InspectionsTotal.WithLabelValues(stage, decided).Inc()
		p.deps.Metrics.InspectionDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// idKey renders a message's JSON-RPC ID as a map key. Notifications have no
// key.
func idKey(msg *mcp.Message) string {
	id := msg.RawID()
	if id == nil {
		return ""
	}
	return string(id)
}

// operationToolName picks the identifying name per operation type.
func operationToolName(msg *mcp.Message, params map[string]any, opType string) string {
	switch opType {
	case "tool":
		if name, ok := params["name"].(string); ok {
			return name
		}
	case "resource":
		if uri, ok := params["uri"].(string); ok {
			return uri
		}
	case "prompt":
		if name, ok := params["name"].(string); ok {
			return name
		}
	}
	return msg.Method()
}

// operationArguments extracts the argument map the policy service inspects.
// Tool calls nest them under params.arguments, other operations use the
// params object itself.
func operationArguments(msg *mcp.Message, params map[string]any) map[string]any {
	if msg.IsToolCall() {
		if args, ok := params["arguments"].(map[string]any); ok {
			return args
		}
		return map[string]any{}
	}
	if params == nil {
		return map[string]any{}
	}
	return params
}

// responseResult returns the raw result payload, or the error payload when
// the wrapped server answered with one.
func responseResult(msg *mcp.Message) json.RawMessage {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(msg.Raw, &envelope); err != nil {
		return msg.Raw
	}
	if result, ok := envelope["result"]; ok {
		return result
	}
	if errPayload, ok := envelope["error"]; ok {
		return errPayload
	}
	return nil
}

// stripWrapperArgs removes advisory fields from the request before it is
// forwarded, both at params level and under params.arguments.
func stripWrapperArgs(msg *mcp.Message) error {
	var envelope map[string]any
	if err := json.Unmarshal(msg.Raw, &envelope); err != nil {
		return err
	}
	params, ok := envelope["params"].(map[string]any)
	if !ok {
		return nil
	}
	for key := range params {
		if strings.HasPrefix(key, schema.WrapperPrefix) {
			delete(params, key)
		}
	}
	if args, ok := params["arguments"].(map[string]any); ok {
		for key := range args {
			if strings.HasPrefix(key, schema.WrapperPrefix) {
				delete(args, key)
			}
		}
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	msg.Raw = raw
	msg.Decoded, _ = mcp.DecodeMessage(raw)
	msg.ParsedParams = nil
	return nil
}

// toolDescriptors converts a tools/list result into init_tools records.
func toolDescriptors(result map[string]any) []policy.ToolDescriptor {
	tools, ok := result["tools"].([]any)
	if !ok {
		return nil
	}
	descriptors := make([]policy.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		tool, ok := t.(map[string]any)
		if !ok {
			continue
		}
		descriptor := policy.ToolDescriptor{}
		descriptor.Name, _ = tool["name"].(string)
		descriptor.Description, _ = tool["description"].(string)
		if inputSchema, ok := tool["inputSchema"].(map[string]any); ok {
			descriptor.InputSchema = inputSchema
		}
		descriptors = append(descriptors, descriptor)
	}
	return descriptors
}

// rootPath normalizes a workspace root URI to an absolute path.
func rootPath(uri string) string {
	path := uri
	if strings.HasPrefix(uri, "file://") {
		path = strings.TrimPrefix(uri, "file://")
		if unescaped, err := url.PathUnescape(path); err == nil {
			path = unescaped
		}
	}
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// Compile-time check that PolicyInterceptor implements MessageInterceptor.
var _ MessageInterceptor = (*PolicyInterceptor)(nil)
