package ctxutil

import "context"

type invocationIDKey struct{}

// WithInvocationID tags ctx with the invocation currently executing on this
// task. Log Capture and the dispatch loop read it back to route emitted
// events to the right sink; events emitted without this key set are dropped.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey{}, id)
}

// InvocationID returns the invocation id set by WithInvocationID, or ""
// if none is set.
func InvocationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(invocationIDKey{}).(string)
	return v
}
