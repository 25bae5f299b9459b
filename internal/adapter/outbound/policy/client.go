// Package policy implements the HTTP client for the remote policy service.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcpower-security/mcpower/internal/domain/decision"
	"github.com/mcpower-security/mcpower/internal/domain/policy"
)

const (
	scopeName = "github.com/mcpower-security/mcpower/internal/adapter/outbound/policy"

	defaultTimeout = 15 * time.Second

	pathInit            = "/init"
	pathInspectRequest  = "/inspect/request"
	pathInspectResponse = "/inspect/response"
	pathConfirm         = "/confirm"

	// quotaNoticeInterval throttles the "quota exhausted" notice.
	quotaNoticeInterval = time.Hour
)

// Auditor receives one event per API call and one per result. Optional.
type Auditor interface {
	Event(eventType string, data map[string]any)
}

// Config configures the policy service client.
type Config struct {
	BaseURL string
	// Token is an opaque bearer token; empty disables the header.
	Token string
	// Version stamps the User-Agent.
	Version string
	UserUID string
	Timeout time.Duration
}

// Client talks to the policy service. It implements policy.Inspector and
// decision.Recorder.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	version string
	userUID string
	logger  *slog.Logger
	auditor Auditor

	tracer         trace.Tracer
	inspectLatency metric.Float64Histogram

	mu            sync.Mutex
	appUID        string
	lastQuotaWarn time.Time
}

var (
	_ policy.Inspector  = (*Client)(nil)
	_ decision.Recorder = (*Client)(nil)
)

func NewClient(cfg Config, logger *slog.Logger, auditor Auditor) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	latency, err := otel.Meter(scopeName).Float64Histogram(
		"mcpower.policy.inspect.duration",
		metric.WithDescription("Round-trip latency of policy inspection calls"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warn("inspect latency instrument unavailable", "error", err)
	}
	return &Client{
		http:           &http.Client{Timeout: cfg.Timeout},
		baseURL:        cfg.BaseURL,
		token:          cfg.Token,
		version:        cfg.Version,
		userUID:        cfg.UserUID,
		logger:         logger,
		auditor:        auditor,
		tracer:         otel.Tracer(scopeName),
		inspectLatency: latency,
	}
}

// SetAppUID attaches the workspace app UID to all subsequent calls. The
// UID is discovered after startup, once the workspace root is known.
func (c *Client) SetAppUID(appUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appUID = appUID
}

// InitTools registers the wrapped server and its tools. Errors are returned
// for logging; callers never fail the operation over them.
func (c *Client) InitTools(ctx context.Context, req policy.InitRequest) error {
	c.audit("init_tools", map[string]any{"server": req.Server.Name, "tool_count": len(req.Tools)})
	status, body, err := c.post(ctx, pathInit, req)
	if err != nil {
		c.audit("init_tools_result", map[string]any{"error": err.Error()})
		return fmt.Errorf("init tools: %w", err)
	}
	if status < 200 || status >= 300 {
		c.audit("init_tools_result", map[string]any{"status": status})
		return fmt.Errorf("init tools: status %d: %s", status, truncate(body, 200))
	}
	c.audit("init_tools_result", map[string]any{"status": status})
	return nil
}

// InspectRequest inspects a request-phase operation.
func (c *Client) InspectRequest(ctx context.Context, req policy.Request) decision.Verdict {
	return c.inspect(ctx, "inspect_policy_request", pathInspectRequest, req, req.EventID)
}

// InspectResponse inspects a response-phase operation.
func (c *Client) InspectResponse(ctx context.Context, resp policy.Response) decision.Verdict {
	return c.inspect(ctx, "inspect_policy_response", pathInspectResponse, resp, resp.EventID)
}

// RecordUserConfirmation echoes a user decision to the service. Best effort.
func (c *Client) RecordUserConfirmation(ctx context.Context, confirmation decision.Confirmation) error {
	c.audit("record_user_confirmation", map[string]any{
		"event_id": confirmation.EventID, "decision": string(confirmation.Decision),
	})
	status, body, err := c.post(ctx, pathConfirm, confirmation)
	if err != nil {
		return fmt.Errorf("record user confirmation: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("record user confirmation: status %d: %s", status, truncate(body, 200))
	}
	return nil
}

func (c *Client) inspect(ctx context.Context, name, path string, payload any, eventID string) decision.Verdict {
	c.audit(name, map[string]any{"event_id": eventID})

	start := time.Now()
	status, body, err := c.post(ctx, path, payload)
	var verdict decision.Verdict
	switch {
	case err != nil:
		verdict = failureVerdict(err.Error())
	case status == http.StatusTooManyRequests:
		verdict = c.quotaVerdict()
	case status < 200 || status >= 300:
		verdict = failureVerdict(fmt.Sprintf("status %d", status))
	default:
		if decodeErr := json.Unmarshal(body, &verdict); decodeErr != nil {
			verdict = failureVerdict(fmt.Sprintf("invalid verdict body: %v", decodeErr))
		}
	}
	if c.inspectLatency != nil {
		c.inspectLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("endpoint", path),
			attribute.String("decision", string(verdict.Decision))))
	}

	c.audit(name+"_result", map[string]any{
		"event_id": eventID,
		"decision": string(verdict.Decision),
		"severity": verdict.Severity,
	})
	return verdict
}

func (c *Client) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	ctx, span := c.tracer.Start(ctx, "policy"+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "MCPower-"+c.version)
	if c.userUID != "" {
		req.Header.Set("X-User-UID", c.userUID)
	}
	c.mu.Lock()
	appUID := c.appUID
	c.mu.Unlock()
	if appUID != "" {
		req.Header.Set("X-App-UID", appUID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return 0, nil, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// failureVerdict folds an unreachable or failing policy service into a block
// that enforcement treats like any other deny.
func failureVerdict(detail string) decision.Verdict {
	return decision.Verdict{
		Decision:     decision.DecisionBlock,
		Severity:     decision.SeverityHigh,
		Reasons:      []string{"Security API unavailable: " + detail},
		MatchedRules: []string{"security_api.error"},
	}
}

// quotaVerdict lets the operation through when the service rate-limits us,
// with an at-most-hourly notice that screening is bypassed.
func (c *Client) quotaVerdict() decision.Verdict {
	c.mu.Lock()
	notify := time.Since(c.lastQuotaWarn) >= quotaNoticeInterval
	if notify {
		c.lastQuotaWarn = time.Now()
	}
	c.mu.Unlock()
	if notify {
		c.logger.Warn("security quota exhausted, screening bypassed until quota resets")
	}
	return decision.Verdict{
		Decision: decision.DecisionAllow,
		Severity: decision.SeverityHigh,
		Reasons:  []string{"Security quota exhausted - screening bypassed"},
	}
}

func (c *Client) audit(eventType string, data map[string]any) {
	if c.auditor == nil {
		return
	}
	c.auditor.Event(eventType, data)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
