package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID    contextKey = "trace_id"
	keyClaimID    contextKey = "claim_id"
	keyThreadID   contextKey = "thread_id"
	keyRemoteAddr contextKey = "remote_addr"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithClaimID adds the id of the runner claim that authorized the request.
func WithClaimID(ctx context.Context, claimID string) context.Context {
	return context.WithValue(ctx, keyClaimID, claimID)
}

// ClaimID extracts the claim ID from context.
func ClaimID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyClaimID).(string)
	return v, ok && v != ""
}

// WithThreadID adds thread ID to context.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, keyThreadID, threadID)
}

// ThreadID extracts thread ID from context.
func ThreadID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyThreadID).(string)
	return v, ok && v != ""
}

// WithRemoteAddr adds the caller's resolved address to context.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, keyRemoteAddr, addr)
}

// RemoteAddr extracts the caller's address from context.
func RemoteAddr(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRemoteAddr).(string)
	return v, ok && v != ""
}
