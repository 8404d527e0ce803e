package router

import "context"

type contextKey struct{}

// WithContextID returns a context carrying the execution context id the
// caller runs on. Work executed by a Loop always receives a context carrying
// that loop's id.
func WithContextID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// ContextIDFrom returns the execution context id carried by ctx.
func ContextIDFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}
