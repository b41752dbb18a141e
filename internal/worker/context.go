package worker

import "context"

type requestIDKey struct{}

// WithRequestID attaches the transport request id that Submit records on
// the task and uses as the correlation id of its data events.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id attached with WithRequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
