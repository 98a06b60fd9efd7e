package logger

import "context"

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for fields the engine attaches to every log line it emits
// during a turn.
const (
	// ContextKeySessionID identifies the session the current turn belongs to.
	ContextKeySessionID contextKey = "session_id"
	// ContextKeyUserID identifies the end user.
	ContextKeyUserID contextKey = "user_id"
	// ContextKeyTurnID identifies the current updateActivity call.
	ContextKeyTurnID contextKey = "turn_id"
	// ContextKeyFlowID identifies the flow of the frame currently executing.
	ContextKeyFlowID contextKey = "flow_id"
	// ContextKeyStackIndex identifies the active stack index.
	ContextKeyStackIndex contextKey = "stack_index"
	// ContextKeyStepKind identifies the step variant currently dispatched.
	ContextKeyStepKind contextKey = "step_kind"
	// ContextKeyToolName identifies the tool currently being invoked.
	ContextKeyToolName contextKey = "tool_name"
)

var allContextKeys = []contextKey{
	ContextKeySessionID,
	ContextKeyUserID,
	ContextKeyTurnID,
	ContextKeyFlowID,
	ContextKeyStackIndex,
	ContextKeyStepKind,
	ContextKeyToolName,
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, id)
}

// WithUserID returns a new context with the user ID set.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, id)
}

// WithTurnID returns a new context with the turn ID set.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyTurnID, id)
}

// WithFlowID returns a new context with the active flow ID set.
func WithFlowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyFlowID, id)
}

// WithStackIndex returns a new context with the active stack index set.
func WithStackIndex(ctx context.Context, idx int) context.Context {
	return context.WithValue(ctx, ContextKeyStackIndex, idx)
}

// WithStepKind returns a new context with the current step kind set.
func WithStepKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, ContextKeyStepKind, kind)
}

// WithToolName returns a new context with the current tool name set.
func WithToolName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ContextKeyToolName, name)
}
