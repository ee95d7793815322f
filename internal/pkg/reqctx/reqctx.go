// Package reqctx carries the request id through a request's context.
package reqctx

import "context"

type ctxKey int

const requestIDKey ctxKey = iota

// With stores the request id on the context.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// From reads the request id back, empty when none was stored.
func From(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
