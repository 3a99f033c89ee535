package mcppool

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Downstream error kinds.
var (
	// ErrServerUnknown — no session for the named server.
	ErrServerUnknown = errors.New("unknown MCP server")
	// ErrToolUnknown — the server does not advertise the named tool.
	ErrToolUnknown = errors.New("unknown MCP tool")
	// ErrServerUnreachable — transport-level connection failure.
	ErrServerUnreachable = errors.New("MCP server unreachable")
)

// RecoveryAction determines how an MCP operation failure is handled.
type RecoveryAction int

const (
	// NoRetry — not recoverable (bad request, protocol error, timeout).
	NoRetry RecoveryAction = iota
	// RetrySameSession — transient, retry on the existing session.
	// Reserved for rate-limit detection; ClassifyError does not currently
	// return it.
	RetrySameSession
	// RetryNewSession — transport failure, recreate the session and retry.
	RetryNewSession
)

// Recovery and timeout constants.
const (
	// MaxRetries is the number of retry attempts after the initial failure.
	MaxRetries = 1

	// CallTimeout is the per-call deadline for CallTool and ListTools.
	// Distinct from, and well below, the JS orchestration deadline.
	CallTimeout = 30 * time.Second

	// InitTimeout is the per-server initialization deadline.
	InitTimeout = 30 * time.Second

	// ReinitTimeout is the deadline for recreating a session during recovery.
	ReinitTimeout = 10 * time.Second

	// RetryBackoffMin / RetryBackoffMax bound the jittered retry backoff.
	RetryBackoffMin = 250 * time.Millisecond
	RetryBackoffMax = 750 * time.Millisecond

	// HealthPingTimeout is the health check probe timeout.
	HealthPingTimeout = 5 * time.Second

	// HealthInterval is the health check loop interval.
	HealthInterval = 15 * time.Second
)

// ClassifyError determines the recovery action for an MCP operation error.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NoRetry // could be a slow server; don't pile on
		}
		return RetryNewSession
	}

	if isConnectionError(err) {
		return RetryNewSession
	}

	if isProtocolError(err) {
		return NoRetry
	}

	// Unknown errors are not safe to retry.
	return NoRetry
}

// isConnectionError detects connection-level transport failures.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, probe := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	} {
		if strings.Contains(msg, probe) {
			return true
		}
	}
	return false
}

// isProtocolError detects JSON-RPC protocol errors via the SDK's typed
// wire error rather than string matching.
func isProtocolError(err error) bool {
	var wireErr *jsonrpc.Error
	if !errors.As(err, &wireErr) {
		return false
	}
	switch wireErr.Code {
	case jsonrpc.CodeParseError,
		jsonrpc.CodeInvalidRequest,
		jsonrpc.CodeMethodNotFound,
		jsonrpc.CodeInvalidParams:
		return true
	default:
		return false
	}
}
