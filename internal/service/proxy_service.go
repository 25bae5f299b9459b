// Package service contains the core proxy service implementation.
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpower-security/mcpower/internal/ctxkey"
	"github.com/mcpower-security/mcpower/internal/domain/proxy"
	"github.com/mcpower-security/mcpower/internal/observability"
	"github.com/mcpower-security/mcpower/internal/port/outbound"
	"github.com/mcpower-security/mcpower/pkg/mcp"
)

// loggerFromContext retrieves the enriched logger from context.
// Returns nil if no logger is in context, allowing caller to fall back.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// ProxyService pumps messages in both directions between the agent client
// and the wrapped MCP server, routing every message through the
// interceptor chain.
type ProxyService struct {
	client      outbound.MCPClient
	interceptor proxy.MessageInterceptor
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewProxyService creates a new proxy service with the given dependencies.
func NewProxyService(client outbound.MCPClient, interceptor proxy.MessageInterceptor, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:      client,
		interceptor: interceptor,
		logger:      logger,
	}
}

// SetMetrics attaches the message counters. Optional.
func (p *ProxyService) SetMetrics(m *observability.Metrics) {
	p.metrics = m
}

// Run starts the bidirectional proxy between client and wrapped server.
// It blocks until the context is cancelled or an error occurs.
// clientIn is where we read messages from (typically os.Stdin).
// clientOut is where we write messages to (typically os.Stdout).
func (p *ProxyService) Run(ctx context.Context, clientIn io.Reader, clientOut io.Writer) error {
	// Use enriched logger from context if available
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = p.logger
	}

	// Start the wrapped server and get its stdio pipes
	serverIn, serverOut, err := p.client.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start wrapped server: %w", err)
	}
	defer func() { _ = p.client.Close() }()

	// Create cancellable context for goroutines
	// Save parent context to distinguish external cancellation from normal termination
	parentCtx := ctx
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	// Goroutine 1: client -> server (requests).
	// Denials reply on clientOut so the agent sees the policy error.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = serverIn.Close() }() // Signal EOF to server when client disconnects
		if err := p.copyMessages(ctx, clientIn, serverIn, clientOut, mcp.ClientToServer, logger); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				errCh <- fmt.Errorf("client->server: %w", err)
			}
		}
		logger.Debug("client->server copy completed")
	}()

	// Goroutine 2: server -> client (responses and server-issued requests).
	// Denials reply on serverIn: a blocked sampling or elicitation request
	// gets its error back to the server that asked.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.copyMessages(ctx, serverOut, clientOut, serverIn, mcp.ServerToClient, logger); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				errCh <- fmt.Errorf("server->client: %w", err)
			}
		}
		logger.Debug("server->client copy completed")
		cancel() // Server closed, cancel everything
	}()

	// Wait for both goroutines to finish
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Wait for completion or error
	select {
	case <-done:
		// Both goroutines finished
	case err := <-errCh:
		cancel() // Cancel remaining work
		<-done   // Wait for cleanup
		return err
	}

	// Wait for wrapped process to finish
	if err := p.client.Wait(); err != nil {
		// Ignore expected errors when context was cancelled
		if parentCtx.Err() == nil {
			logger.Debug("wrapped server exited", "error", err)
		}
	}

	// Return parent context error only if external cancellation occurred.
	// If termination was normal (the server->client goroutine called
	// cancel() itself), parentCtx.Err() will be nil.
	return parentCtx.Err()
}

// copyMessages reads newline-delimited JSON messages from src,
// passes them through the interceptor, and writes to dst.
// replyOut receives JSON-RPC error responses when the interceptor rejects a
// message: the client for its own requests, the wrapped server for
// server-issued ones. Denied notifications are dropped, never answered.
func (p *ProxyService) copyMessages(ctx context.Context, src io.Reader, dst io.Writer, replyOut io.Writer, direction mcp.Direction, logger *slog.Logger) error {
	// Use large buffer for scanner (MCP messages can be large)
	// Per MCP spec, messages are newline-delimited JSON
	scanner := bufio.NewScanner(src)
	buf := make([]byte, 0, 256*1024) // 256KB initial
	scanner.Buffer(buf, 1024*1024)   // 1MB max

	for scanner.Scan() {
		// Check context before processing
		if ctx.Err() != nil {
			return ctx.Err()
		}

		startTime := time.Now()
		raw := scanner.Bytes()

		// Create message wrapper with metadata
		msg := &mcp.Message{
			Raw:       append([]byte(nil), raw...), // Copy bytes
			Direction: direction,
			Timestamp: startTime,
		}

		// Attempt to decode for inspection (non-fatal if fails)
		if decoded, err := mcp.DecodeMessage(raw); err == nil {
			msg.Decoded = decoded
			_ = msg.ParseParams() // Ignore error, ParsedParams will be nil if fails
		} else {
			logger.Debug("failed to decode message, passing through raw",
				"direction", direction,
				"error", err,
			)
		}
		p.countMessage(direction, msg.Method())

		// Pass through interceptor
		processedMsg, err := p.interceptor.Intercept(ctx, msg)
		if err != nil {
			logger.Info("interceptor rejected message",
				"direction", direction,
				"method", msg.Method(),
			)
			if msg.IsNotification() {
				// No ID to answer to
				continue
			}
			if replyOut != nil {
				// Use RawID to preserve the original ID format (SDK's ID type
				// doesn't marshal correctly through interface{})
				var id any
				if rawID := msg.RawID(); rawID != nil {
					id = rawID
				}
				// Internal details are logged, never sent to the peer.
				message := proxy.SafeErrorMessage(err)
				errResp := proxy.CreateJSONRPCError(id, -32600, message)
				_, _ = replyOut.Write(errResp)
				_, _ = replyOut.Write([]byte("\n"))
				logger.Debug("sent error response", "direction", direction, "safe_message", message)
			}
			continue
		}

		// Determine write target. If the interceptor flipped the direction
		// (it produced a final answer itself), the message goes back where
		// it came from instead of being forwarded.
		writeTo := dst
		if processedMsg.Direction != direction && replyOut != nil {
			writeTo = replyOut
		}

		// Write message followed by newline
		if _, err := writeTo.Write(processedMsg.Raw); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		if _, err := writeTo.Write([]byte("\n")); err != nil {
			return fmt.Errorf("write newline failed: %w", err)
		}

		// Log latency
		latency := time.Since(startTime)
		logger.Debug("forwarded message",
			"direction", direction,
			"method", processedMsg.Method(),
			"latency_us", latency.Microseconds(),
		)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan error: %w", err)
	}

	return nil
}

func (p *ProxyService) countMessage(direction mcp.Direction, method string) {
	if p.metrics == nil {
		return
	}
	label := "client"
	if direction == mcp.ServerToClient {
		label = "server"
	}
	if method == "" {
		method = "unknown"
	}
	p.metrics.MessagesTotal.WithLabelValues(label, method).Inc()
}
