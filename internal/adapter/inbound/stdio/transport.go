// Package stdio provides the stdio transport adapter for the proxy.
package stdio

import (
	"context"
	"os"

	"github.com/mcpower-security/mcpower/internal/port/inbound"
	"github.com/mcpower-security/mcpower/internal/service"
)

// Transport is the inbound adapter that connects the proxy to the agent's
// stdin/stdout. It implements the inbound.ProxyService interface.
type Transport struct {
	proxyService *service.ProxyService
}

// NewTransport creates a stdio transport adapter wrapping the given proxy service.
func NewTransport(proxyService *service.ProxyService) *Transport {
	return &Transport{
		proxyService: proxyService,
	}
}

// Start begins proxying between stdin/stdout and the wrapped server.
// It blocks until the context is cancelled or an error occurs.
func (t *Transport) Start(ctx context.Context) error {
	return t.proxyService.Run(ctx, os.Stdin, os.Stdout)
}

// Close gracefully shuts down the transport.
// For stdio, there are no resources to clean up.
func (t *Transport) Close() error {
	return nil
}

// Compile-time check that Transport implements ProxyService interface.
var _ inbound.ProxyService = (*Transport)(nil)
