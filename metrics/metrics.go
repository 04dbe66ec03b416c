// Package metrics provides interfaces and implementations for collecting
// SMTP endpoint metrics. The Collector interface records events from the
// server and client cores; the Server interface exposes them over HTTP.
package metrics

import "context"

// Collector defines the interface for recording SMTP endpoint metrics.
type Collector interface {
	// Connection metrics (no domain - happens before HELO)
	ConnectionOpened()
	ConnectionClosed()

	// Command metrics (no domain - too granular)
	CommandProcessed(verb string)

	// Message metrics for the receiving server (recipient domain first)
	MessageReceived(recipientDomain string, sizeBytes int64)
	MessageRejected(recipientDomain string, reason string)

	// Delivery metrics for the sending client (recipient domain first)
	// result should be "ok" or "error".
	SendCompleted(recipientDomain string, result string)

	// MX resolution metrics. result should be "ok", "none" or "error".
	MXLookup(result string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
