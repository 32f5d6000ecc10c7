// Package correlation threads a causal id through asynchronous task boundaries.
//
// The id is captured from the submitter's context, persisted with the task
// instance, and installed again on the context the task logic runs with.
package correlation

import (
	"context"
	"strings"

	logx "taskd/pkg/logx"
)

// FieldName is the log field used for correlation ids.
const FieldName = "correlation_id"

type ctxKey struct{}

// With returns a child context carrying id. An empty id returns ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// Capture returns the correlation id active on ctx, or "" if there is none.
func Capture(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// CaptureOr returns the active id, or fallback when none is active.
func CaptureOr(ctx context.Context, fallback string) string {
	if id := Capture(ctx); id != "" {
		return id
	}
	return fallback
}

// Run calls fn with id installed on a derived context.
// The caller's ctx is never modified, so the previous id is back in effect as
// soon as fn returns, including when fn panics.
func Run(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(With(ctx, id))
}

// Logger returns log with the correlation id of ctx attached.
func Logger(ctx context.Context, log logx.Logger) logx.Logger {
	id := Capture(ctx)
	if id == "" {
		return log
	}
	return log.With(logx.String(FieldName, id))
}
