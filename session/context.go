package session

import "context"

type ctxKey struct{}

// NewContext returns a copy of ctx carrying c.
func NewContext(ctx context.Context, c *Controller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the controller stored in ctx, if any.
func FromContext(ctx context.Context) (*Controller, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Controller)
	return c, ok && c != nil
}

// MustFromContext is FromContext for code that is only reachable below the
// session middleware. It panics when no controller is present.
func MustFromContext(ctx context.Context) *Controller {
	c, ok := FromContext(ctx)
	if !ok {
		panic("session: no controller in context")
	}
	return c
}
