// Package auth resolves callable callers from Firebase ID tokens.
package auth

import "context"

type ctxKey int

const callerKey ctxKey = iota

// Caller is the verified identity behind a request.
type Caller struct {
	UID           string
	Email         string
	EmailVerified bool
}

// WithCaller stores the caller in a context.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the caller stored by the middleware.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	caller, ok := ctx.Value(callerKey).(*Caller)
	return caller, ok && caller != nil
}
