package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type agentIDKey struct{}
type runIDKey struct{}
type scanIDKey struct{}
type directiveIDKey struct{}
type sessionIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithAgentID attaches the id of the agent whose loop is running.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentID extracts agent_id from context. Returns "" if absent.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches the investigation or scan run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

func WithScanID(ctx context.Context, scanID string) context.Context {
	return context.WithValue(ctx, scanIDKey{}, scanID)
}

func ScanID(ctx context.Context) string {
	if v, ok := ctx.Value(scanIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithDirectiveID(ctx context.Context, directiveID string) context.Context {
	return context.WithValue(ctx, directiveIDKey{}, directiveID)
}

func DirectiveID(ctx context.Context) string {
	if v, ok := ctx.Value(directiveIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSessionID attaches the conversational session an investigation belongs to.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the run correlation ids present on ctx as slog key/value
// pairs. trace_id is excluded; the base logger already carries it.
func LogAttrs(ctx context.Context) []any {
	var attrs []any
	if v := RunID(ctx); v != "" {
		attrs = append(attrs, "run_id", v)
	}
	if v := ScanID(ctx); v != "" {
		attrs = append(attrs, "scan_id", v)
	}
	if v := AgentID(ctx); v != "" {
		attrs = append(attrs, "agent_id", v)
	}
	if v := DirectiveID(ctx); v != "" {
		attrs = append(attrs, "directive_id", v)
	}
	return attrs
}
